package server

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// handleRead decodes {size, offset, path}, opens read-only, seeks, reads
// up to size bytes, replies {OK, actual_bytes} and streams actual_bytes
// raw bytes on the same socket.
func handleRead(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	size, err := dec.U32()
	if err != nil {
		return fmt.Errorf("read: decode size: %w", err)
	}
	offset, err := dec.I64()
	if err != nil {
		return fmt.Errorf("read: decode offset: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("read: decode path: %w", err)
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

	buf := make([]byte, size)
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU32(uint32(n))
	if err := wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout); err != nil {
		return fmt.Errorf("read: write header: %w", err)
	}
	return wire.WritePayload(s.Conn, buf[:n], s.TransportTimeout)
}

// handleWrite decodes {size, offset, path}, reads size raw bytes directly
// off the socket (not an XDR record), opens write-only, seeks, writes, and
// replies {OK, bytes_written} or FAIL.
func handleWrite(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	size, err := dec.U32()
	if err != nil {
		return fmt.Errorf("write: decode size: %w", err)
	}
	offset, err := dec.I64()
	if err != nil {
		return fmt.Errorf("write: decode offset: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("write: decode path: %w", err)
	}

	payload, err := wire.ReadPayload(s.Conn, int(size), s.TransportTimeout)
	if err != nil {
		return fmt.Errorf("write: read payload: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if s.ReadOnly {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	defer unix.Close(fd)

	n, err := unix.Pwrite(fd, payload, offset)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU32(uint32(n))
	return wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout)
}
