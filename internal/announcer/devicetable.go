package announcer

import (
	"errors"
	"sort"
	"strings"
)

// maxDevices bounds the device table the way the legacy source's
// fixed-size Devices[MAXDEV] array did.
const maxDevices = 20

// ErrTableFull is returned by DeviceTable.Add once maxDevices entries are
// already registered.
var ErrTableFull = errors.New("announcer: device table full")

// Kind distinguishes a plain block device from a CD-ROM drive, which
// additionally needs polling for media-change events.
type Kind int

const (
	KindBlock Kind = iota
	KindCDROM
)

func (k Kind) String() string {
	if k == KindCDROM {
		return "cdrom"
	}
	return "block"
}

// Device is one entry of the announcer's device table.
type Device struct {
	ID          int
	Sharename   string
	Description string
	BlockDevice string
	Removable   bool
	Size        int
	Kind        Kind

	// CD-ROM bookkeeping; zero-valued for plain block devices.
	MediaPresent bool
	DiscType     int
	VolumeID     string
}

// Label is the field an AddBlockDevice message reports as the device's
// name: the disc's volume id for a CD-ROM holding a data disc (the generic
// CD label when reading it failed), the configured description for
// everything else, including an empty drive and an audio disc.
func (d *Device) Label() string {
	if d.Kind == KindCDROM && d.VolumeID != "" {
		return d.VolumeID
	}
	return d.Description
}

// DeviceTable is the announcer's record of every device it knows about.
// It is mutated only from the single event-loop goroutine and so carries
// no lock of its own.
type DeviceTable struct {
	nextID  int
	devices map[int]*Device
}

// NewDeviceTable returns an empty table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{devices: make(map[int]*Device)}
}

// Add assigns the next device id and inserts d, returning the stored
// copy. device_id is a monotonically increasing counter that is never
// reused for the life of the process, even after the slot it once
// occupied is freed by Remove.
func (t *DeviceTable) Add(d Device) (*Device, error) {
	if len(t.devices) >= maxDevices {
		return nil, ErrTableFull
	}
	t.nextID++
	d.ID = t.nextID
	stored := d
	t.devices[stored.ID] = &stored
	return &stored, nil
}

// Remove deletes the device with the given sharename, if any.
func (t *DeviceTable) Remove(sharename string) (*Device, bool) {
	d, ok := t.FindBySharename(sharename)
	if !ok {
		return nil, false
	}
	delete(t.devices, d.ID)
	return d, true
}

// FindBySharename looks up a device case-insensitively by its sharename.
func (t *DeviceTable) FindBySharename(sharename string) (*Device, bool) {
	for _, d := range t.devices {
		if strings.EqualFold(d.Sharename, sharename) {
			return d, true
		}
	}
	return nil, false
}

// List returns every known device ordered by device id.
func (t *DeviceTable) List() []*Device {
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
