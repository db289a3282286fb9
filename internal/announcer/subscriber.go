package announcer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Subscriber is a connected peer on the TCP listener. Every accepted
// connection gets one of these, registered or not, so that it can
// accumulate partial records even before it issues Register.
type Subscriber struct {
	FD         int
	RemoteAddr string

	Registered bool
	UserID     int
	Username   string

	batcher lineBatcher
}

// NewSubscriber wraps an already-accepted, already-nonblocking socket.
func NewSubscriber(fd int, remoteAddr string) *Subscriber {
	return &Subscriber{FD: fd, RemoteAddr: remoteAddr}
}

func (s *Subscriber) write(line string) error {
	_, err := unix.Write(s.FD, []byte(line))
	return err
}

// writeAddBlockDevice sends one AddBlockDevice line to the subscriber,
// reproducing send_AddBlockDevice_msg's exact field order.
func writeAddBlockDevice(s *Subscriber, msgID int, d *Device) error {
	removable := 0
	if d.Removable {
		removable = 1
	}
	return s.write(fmt.Sprintf("AddBlockDevice|%d|%d|%s|%d|%d|%s\r\n",
		msgID, d.ID, d.Sharename, removable, d.Size, d.Label()))
}

// writeRemoveDevice sends one RemoveDevice line, reproducing
// send_RemoveDevice_msg.
func writeRemoveDevice(s *Subscriber, msgID int, d *Device) error {
	return s.write(fmt.Sprintf("RemoveDevice|%d|%d\r\n", msgID, d.ID))
}
