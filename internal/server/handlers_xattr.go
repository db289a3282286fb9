package server

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// handleRelease is a no-op ack: the server never maintains file handles
// across requests, so there is nothing to release.
func handleRelease(s *Session, body []byte) error {
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

// handleRsync fsyncs the path's backing file, giving the client a way to
// force pending writes to stable storage before a subsequent GETATTR.
func handleRsync(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("rsync: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleSetxattr(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	name, err := dec.String()
	if err != nil {
		return fmt.Errorf("setxattr: decode name: %w", err)
	}
	size, err := dec.U32()
	if err != nil {
		return fmt.Errorf("setxattr: decode size: %w", err)
	}
	flags, err := dec.U32()
	if err != nil {
		return fmt.Errorf("setxattr: decode flags: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("setxattr: decode path: %w", err)
	}

	value, err := wire.ReadPayload(s.Conn, int(size), s.TransportTimeout)
	if err != nil {
		return fmt.Errorf("setxattr: read value payload: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Setxattr(path, name, value, int(flags)); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleGetxattr(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	name, err := dec.String()
	if err != nil {
		return fmt.Errorf("getxattr: decode name: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("getxattr: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU32(uint32(n))
	if err := wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout); err != nil {
		return fmt.Errorf("getxattr: write header: %w", err)
	}
	return wire.WritePayload(s.Conn, buf[:n], s.TransportTimeout)
}

func handleListxattr(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("listxattr: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	size, err := unix.Listxattr(path, nil)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU32(uint32(n))
	if err := wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout); err != nil {
		return fmt.Errorf("listxattr: write header: %w", err)
	}
	return wire.WritePayload(s.Conn, buf[:n], s.TransportTimeout)
}

func handleRemovexattr(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	name, err := dec.String()
	if err != nil {
		return fmt.Errorf("removexattr: decode name: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("removexattr: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Removexattr(path, name); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}
