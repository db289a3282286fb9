package server

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

func resolveOrFail(s *Session, raw string) (string, bool) {
	path, err := s.ResolvePath(raw)
	return path, err == nil
}

func handleMknod(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	mode, err := dec.U32()
	if err != nil {
		return fmt.Errorf("mknod: decode mode: %w", err)
	}
	rdev, err := dec.U64()
	if err != nil {
		return fmt.Errorf("mknod: decode rdev: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("mknod: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Mknod(path, mode, int(rdev)); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleMkdir(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	mode, err := dec.U32()
	if err != nil {
		return fmt.Errorf("mkdir: decode mode: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("mkdir: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Mkdir(path, mode); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleUnlink(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("unlink: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Unlink(path); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleRmdir(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("rmdir: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Rmdir(path); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleChmod(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	mode, err := dec.U32()
	if err != nil {
		return fmt.Errorf("chmod: decode mode: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("chmod: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Chmod(path, mode); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleChown(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	uid, err := dec.U32()
	if err != nil {
		return fmt.Errorf("chown: decode uid: %w", err)
	}
	gid, err := dec.U32()
	if err != nil {
		return fmt.Errorf("chown: decode gid: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("chown: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Lchown(path, int(uid), int(gid)); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleTruncate(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	size, err := dec.I64()
	if err != nil {
		return fmt.Errorf("truncate: decode size: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("truncate: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Truncate(path, size); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleUtime(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	atime, err := dec.I64()
	if err != nil {
		return fmt.Errorf("utime: decode actime: %w", err)
	}
	mtime, err := dec.I64()
	if err != nil {
		return fmt.Errorf("utime: decode modtime: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("utime: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	times := []unix.Timeval{
		unix.NsecToTimeval(time.Unix(atime, 0).UnixNano()),
		unix.NsecToTimeval(time.Unix(mtime, 0).UnixNano()),
	}
	if err := unix.Utimes(path, times); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleOpen(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	flags, err := dec.U32()
	if err != nil {
		return fmt.Errorf("open: decode flags: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("open: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	wantsWrite := flags&uint32(unix.O_WRONLY) != 0 || flags&uint32(unix.O_RDWR) != 0
	if s.ReadOnly && wantsWrite {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	// The server does not maintain file handles: every READ/WRITE re-opens.
	// OPEN is purely an access check.
	fd, err := unix.Open(path, int(flags), 0)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	unix.Close(fd)
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleSymlink(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	target, err := dec.String()
	if err != nil {
		return fmt.Errorf("symlink: decode target: %w", err)
	}
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("symlink: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Symlink(target, path); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleRename(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawOld, err := dec.String()
	if err != nil {
		return fmt.Errorf("rename: decode old path: %w", err)
	}
	rawNew, err := dec.String()
	if err != nil {
		return fmt.Errorf("rename: decode new path: %w", err)
	}

	oldPath, ok := resolveOrFail(s, rawOld)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	newPath, ok := resolveOrFail(s, rawNew)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Rename(oldPath, newPath); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func handleLink(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawOld, err := dec.String()
	if err != nil {
		return fmt.Errorf("link: decode old path: %w", err)
	}
	rawNew, err := dec.String()
	if err != nil {
		return fmt.Errorf("link: decode new path: %w", err)
	}

	oldPath, ok := resolveOrFail(s, rawOld)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	newPath, ok := resolveOrFail(s, rawNew)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	if err := unix.Link(oldPath, newPath); err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}
