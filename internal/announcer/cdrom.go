package announcer

import "golang.org/x/sys/unix"

// CD-ROM ioctl numbers and drive/disc status codes from linux/cdrom.h.
// golang.org/x/sys/unix does not carry these — they belong to the CD-ROM
// driver's private ioctl space, not the generic syscall surface — so
// they are declared directly from the kernel header's values.
const (
	cdromDriveStatus = 0x5326
	cdromDiscStatus  = 0x5327

	cdsNoInfo   = 0
	cdsTrayOpen = 2
	cdsDiscOK   = 4

	cdsData1 = 101
	cdsData2 = 102
)

// pollCDROMDrives re-checks every known CD-ROM drive's tray status and
// fires insertion/removal announcements on a state transition: the Go
// analogue of lbuscd's periodic sweep of Devices[] on the 1-second select
// timeout.
func (a *Announcer) pollCDROMDrives() {
	for _, d := range a.devices.List() {
		if d.Kind != KindCDROM {
			continue
		}
		a.checkCDROMStatus(d)
	}
}

func (a *Announcer) checkCDROMStatus(d *Device) {
	fd, err := unix.Open(d.BlockDevice, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)

	status, err := unix.IoctlGetInt(fd, cdromDriveStatus)
	if err != nil {
		return
	}

	switch status {
	case cdsDiscOK:
		if !d.MediaPresent {
			a.cdromInserted(d, fd)
		}
	case cdsTrayOpen, cdsNoInfo:
		if d.MediaPresent {
			a.cdromRemoved(d)
		}
	}
}

// cdromInserted probes the disc type and, for a data disc, reads its
// ISO-9660 volume id and announces it. Audio and mixed discs are
// recorded present but are never announced with a label, matching the
// legacy source's add_cdrom_data being reachable only for CDS_DATA_1/2.
func (a *Announcer) cdromInserted(d *Device, fd int) {
	a.log.WithField("device", d.BlockDevice).Info("cdrom inserted")

	discType, err := unix.IoctlGetInt(fd, cdromDiscStatus)
	if err != nil {
		discType = cdsNoInfo
	}
	d.DiscType = discType
	d.MediaPresent = true

	if discType == cdsData1 || discType == cdsData2 {
		d.VolumeID = readVolumeID(d.BlockDevice, a.log)
		a.broadcastAdd(d)
	}
}

func (a *Announcer) cdromRemoved(d *Device) {
	a.log.WithField("device", d.BlockDevice).Info("cdrom removed")

	wasData := d.DiscType == cdsData1 || d.DiscType == cdsData2
	d.MediaPresent = false
	d.DiscType = 0
	d.VolumeID = ""

	if wasData {
		a.broadcastRemove(d)
	}
}
