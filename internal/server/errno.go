package server

import (
	"errors"
	"syscall"
)

// errnoFromSyscall extracts the underlying syscall.Errno from an error
// returned by golang.org/x/sys/unix or the os package, for inclusion
// verbatim in a FAIL reply per the spec's "propagate errno verbatim"
// error-handling design.
func errnoFromSyscall(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
