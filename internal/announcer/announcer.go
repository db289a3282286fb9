// Package announcer implements the workstation-side device announcer:
// it watches a named pipe for hotplug events and a CD-ROM drive for
// media changes, and fans both out as text records to every subscribed
// login-server session connected over TCP.
package announcer

import (
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Announcer owns the device table, the subscriber table, and the
// message-id counter. Every method on it is called exclusively from the
// single event-loop goroutine in event_loop.go; fan-out to subscribers
// runs writes concurrently internally but always joins before returning,
// so no field here needs its own lock.
type Announcer struct {
	devices     *DeviceTable
	subscribers map[int]*Subscriber
	msgID       int

	// active is the set of fds the event loop currently selects on. It is
	// mutated from acceptSubscriber/dropSubscriber as well as from Run
	// itself, so that a subscriber dropped mid-broadcast (a write failure
	// during fan-out or EnumerateDevices, not just a read failure) is
	// taken out of the select set in the same place it is taken out of
	// subscribers — otherwise the next select(2) call would still include
	// its now-closed fd and fail with EBADF.
	active map[int]struct{}

	pipeBatcher lineBatcher

	log logrus.FieldLogger
}

// New returns an empty Announcer.
func New(log logrus.FieldLogger) *Announcer {
	return &Announcer{
		devices:     NewDeviceTable(),
		subscribers: make(map[int]*Subscriber),
		active:      make(map[int]struct{}),
		log:         log,
	}
}

func (a *Announcer) nextMsgID() int {
	id := a.msgID
	a.msgID++
	return id
}

// dispatchPipeLine parses one complete line from the hotplug pipe and
// applies it, mirroring dispatch_fifo_request's four commands.
func (a *Announcer) dispatchPipeLine(line string) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch strings.ToLower(cmd) {
	case "addblockdevice":
		a.addBlockDevice(args, line)
	case "addcdromdrive":
		a.addCDRomDrive(args, line)
	case "removedevice":
		a.removeDevice(args)
	case "dumpdevices":
		a.dumpDevices()
	default:
		a.log.WithField("line", line).Warn("unrecognized pipe record")
	}
}

func (a *Announcer) addBlockDevice(args []string, raw string) {
	if len(args) != 5 {
		a.log.WithField("line", raw).Warn(
			"AddBlockDevice: expected sharename|blockdev|removable|size|desc")
		return
	}

	size, _ := strconv.Atoi(args[3])
	d, err := a.devices.Add(Device{
		Sharename:   args[0],
		BlockDevice: args[1],
		Removable:   args[2] == "1",
		Size:        size,
		Description: args[4],
		Kind:        KindBlock,
	})
	if err != nil {
		a.log.WithError(err).Warn("AddBlockDevice: no free device slot")
		return
	}

	a.log.WithFields(logrus.Fields{"sharename": d.Sharename, "device_id": d.ID}).
		Info("block device added")
	a.broadcastAdd(d)
}

func (a *Announcer) addCDRomDrive(args []string, raw string) {
	if len(args) != 3 {
		a.log.WithField("line", raw).Warn(
			"AddCDRomDrive: expected sharename|blockdev|desc")
		return
	}

	d, err := a.devices.Add(Device{
		Sharename:   args[0],
		BlockDevice: args[1],
		Description: args[2],
		Removable:   true,
		Kind:        KindCDROM,
	})
	if err != nil {
		a.log.WithError(err).Warn("AddCDRomDrive: no free device slot")
		return
	}

	a.log.WithFields(logrus.Fields{"sharename": d.Sharename, "device_id": d.ID}).
		Info("cdrom drive added")
	// A freshly registered drive isn't announced until a poll finds media.
}

func (a *Announcer) removeDevice(args []string) {
	if len(args) != 1 {
		a.log.Warn("RemoveDevice: expected sharename")
		return
	}

	d, ok := a.devices.Remove(args[0])
	if !ok {
		return
	}
	a.broadcastRemove(d)
}

// dumpDevices logs the device table at info level. The legacy source
// only ever wrote this to its own debug stream, never back to a caller,
// so it stays a log dump here too.
func (a *Announcer) dumpDevices() {
	for _, d := range a.devices.List() {
		a.log.WithFields(logrus.Fields{
			"device_id":   d.ID,
			"sharename":   d.Sharename,
			"description": d.Description,
			"removable":   d.Removable,
			"size":        d.Size,
			"kind":        d.Kind.String(),
		}).Info("dump device")
	}
}

func (a *Announcer) broadcastAdd(d *Device) {
	a.broadcast(func(s *Subscriber, msgID int) error {
		return writeAddBlockDevice(s, msgID, d)
	})
}

func (a *Announcer) broadcastRemove(d *Device) {
	a.broadcast(func(s *Subscriber, msgID int) error {
		return writeRemoveDevice(s, msgID, d)
	})
}

// broadcast sends one message to every registered subscriber
// concurrently, each with its own freshly minted message id (the legacy
// source increments message_id once per recipient, not once per event).
// A subscriber whose write fails is dropped after every write has been
// attempted; it never aborts delivery to the others.
func (a *Announcer) broadcast(send func(s *Subscriber, msgID int) error) {
	recipients := a.registeredSubscribers()
	if len(recipients) == 0 {
		return
	}

	var g errgroup.Group
	var mu sync.Mutex
	var failed []*Subscriber

	for _, s := range recipients {
		s := s
		msgID := a.nextMsgID()
		g.Go(func() error {
			if err := send(s, msgID); err != nil {
				mu.Lock()
				failed = append(failed, s)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.WithError(err).Debug("one or more subscribers failed fan-out")
	}

	for _, s := range failed {
		a.dropSubscriber(s)
	}
}

func (a *Announcer) registeredSubscribers() []*Subscriber {
	out := make([]*Subscriber, 0, len(a.subscribers))
	for _, s := range a.subscribers {
		if s.Registered {
			out = append(out, s)
		}
	}
	return out
}

func (a *Announcer) dropSubscriber(s *Subscriber) {
	unix.Close(s.FD)
	delete(a.subscribers, s.FD)
	delete(a.active, s.FD)
	a.log.WithField("addr", s.RemoteAddr).Debug("subscriber disconnected")
}
