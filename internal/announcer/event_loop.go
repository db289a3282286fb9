package announcer

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const selectTimeout = time.Second

// Listen creates and binds the TCP listening socket, the Go analogue of
// server()'s socket/setsockopt/bind/listen sequence.
func Listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// OpenPipe creates (replacing any stale fifo) and opens the hotplug fifo
// for non-blocking reads, the Go analogue of server()'s mkfifo/open pair.
func OpenPipe(path string) (int, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return -1, fmt.Errorf("remove stale fifo: %w", err)
		}
	}
	if err := unix.Mkfifo(path, 0666); err != nil {
		return -1, fmt.Errorf("mkfifo: %w", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("open fifo: %w", err)
	}
	return fd, nil
}

// Run drives the announcer's single-threaded event loop: a 1-second
// readiness wait over the listening socket, the pipe, and every
// connected subscriber, followed by a CD-ROM poll after every wait. It
// blocks forever unless select itself fails or the pipe cannot be
// reopened after a read error.
func (a *Announcer) Run(listenFD, pipeFD int, pipePath string) error {
	a.active[listenFD] = struct{}{}
	a.active[pipeFD] = struct{}{}

	for {
		fdSet := &unix.FdSet{}
		maxFD := 0
		for fd := range a.active {
			fdSetAdd(fdSet, fd)
			if fd > maxFD {
				maxFD = fd
			}
		}

		tv := unix.NsecToTimeval(selectTimeout.Nanoseconds())
		n, err := unix.Select(maxFD+1, fdSet, nil, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("select: %w", err)
		}

		if n > 0 {
			// a.active can be mutated mid-iteration by dropSubscriber
			// (reached via broadcast/enumerateDevices write failures
			// triggered from dispatch below), so iterate over a
			// snapshot of the fds to check.
			fds := make([]int, 0, len(a.active))
			for fd := range a.active {
				fds = append(fds, fd)
			}

			for _, fd := range fds {
				if _, ok := a.active[fd]; !ok {
					continue // dropped by an earlier iteration this round
				}
				if !fdIsSet(fdSet, fd) {
					continue
				}

				switch fd {
				case listenFD:
					a.acceptSubscriber(listenFD)
				case pipeFD:
					if err := a.handlePipeReadable(pipeFD); err != nil {
						a.log.WithError(err).Warn("pipe read failed, reopening")
						delete(a.active, pipeFD)
						unix.Close(pipeFD)
						newFD, err := OpenPipe(pipePath)
						if err != nil {
							return fmt.Errorf("reopen pipe: %w", err)
						}
						pipeFD = newFD
						a.active[pipeFD] = struct{}{}
					}
				default:
					if err := a.handleSubscriberReadable(fd); err != nil {
						a.closeSubscriberFD(fd)
					}
				}
			}
		}

		a.pollCDROMDrives()
	}
}

func (a *Announcer) acceptSubscriber(listenFD int) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		a.log.WithError(err).Warn("accept failed")
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		a.log.WithError(err).Warn("set nonblocking failed")
		unix.Close(nfd)
		return
	}

	addr := remoteAddr(sa)
	a.active[nfd] = struct{}{}
	a.subscribers[nfd] = NewSubscriber(nfd, addr)
	a.log.WithField("addr", addr).Debug("subscriber connected")
}

func (a *Announcer) handlePipeReadable(fd int) error {
	buf := make([]byte, 100) // matches the legacy source's read chunk size
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	if n <= 0 {
		return fmt.Errorf("pipe closed")
	}

	for _, line := range a.pipeBatcher.feed(buf[:n]) {
		a.dispatchPipeLine(line)
	}
	return nil
}

func (a *Announcer) handleSubscriberReadable(fd int) error {
	s, ok := a.subscribers[fd]
	if !ok {
		return fmt.Errorf("unknown subscriber fd %d", fd)
	}

	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	if n <= 0 {
		return fmt.Errorf("connection closed")
	}

	for _, line := range s.batcher.feed(buf[:n]) {
		a.dispatchSubscriberLine(s, line)
	}
	return nil
}

func (a *Announcer) closeSubscriberFD(fd int) {
	s, ok := a.subscribers[fd]
	if !ok {
		return
	}
	a.dropSubscriber(s)
}

func remoteAddr(sa unix.Sockaddr) string {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3], v.Port)
	}
	return "unknown"
}

// fdSetAdd and fdIsSet reimplement the FD_SET/FD_ISSET macros: x/sys/unix
// exposes the raw FdSet bitmap but no helpers to manipulate it.
func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
