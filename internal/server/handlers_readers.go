package server

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

func handleGetattr(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("getattr: decode path: %w", err)
	}

	path, err := s.ResolvePath(rawPath)
	if err != nil {
		s.Log.WithError(err).Warn("getattr: path escape attempt")
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU64(uint64(st.Dev))
	enc.PutU64(st.Ino)
	enc.PutU32(st.Mode)
	enc.PutU32(uint32(st.Nlink))
	enc.PutU32(st.Uid)
	enc.PutU32(st.Gid)
	enc.PutU64(uint64(st.Rdev))
	enc.PutI64(st.Size)
	enc.PutU32(uint32(st.Blksize))
	enc.PutI64(st.Blocks)
	enc.PutI64(st.Atim.Sec)
	enc.PutI64(st.Mtim.Sec)
	enc.PutI64(st.Ctim.Sec)
	return wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout)
}

func handleReadlink(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("readlink: decode path: %w", err)
	}

	path, err := s.ResolvePath(rawPath)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	buf := make([]byte, wire.PathMax)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	target := string(buf[:n])

	// readlink(2) doesn't null-terminate or know about our mountpoint
	// prefix; strip it so the client sees a path relative to its own view
	// of the tree, matching the legacy source's ltspfs_readlink.
	target = strings.TrimPrefix(target, s.Mountpoint)
	if target == "" {
		target = "/"
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutString(target)
	return wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout)
}

func handleStatfs(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("statfs: decode path: %w", err)
	}

	path, err := s.ResolvePath(rawPath)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU32(uint32(st.Type))
	enc.PutU32(uint32(st.Bsize))
	enc.PutU64(st.Blocks)
	enc.PutU64(st.Bfree)
	enc.PutU64(st.Bavail)
	enc.PutU64(st.Files)
	enc.PutU64(st.Ffree)
	enc.PutU32(uint32(st.Namelen))
	return wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout)
}
