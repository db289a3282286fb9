package server

import (
	"fmt"
	"syscall"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Dispatch decodes and executes a single request body already stripped of
// its length prefix, and writes the corresponding reply. It returns an
// error only for transport-fatal conditions; filesystem and protocol
// errors are reported to the peer as FAIL replies and do not themselves
// terminate the session.
func Dispatch(s *Session, op wire.Opcode, body []byte) error {
	log := s.Log.WithField("opcode", op.String())

	if !s.MayDispatch(op) {
		log.Warn("opcode rejected by session state machine")
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	switch op {
	case wire.OpXauth:
		return dispatchXauth(s, body)
	case wire.OpMount:
		return dispatchMount(s, body)
	case wire.OpPing:
		log.Debug("ping")
		return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
	case wire.OpQuit:
		log.Debug("quit")
		return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
	}

	// Every other opcode requires a bound mountpoint and triggers automount
	// on its first use after binding.
	if !s.Mounted {
		Automount(s)
	}

	switch op {
	case wire.OpGetattr:
		return handleGetattr(s, body)
	case wire.OpReadlink:
		return handleReadlink(s, body)
	case wire.OpStatfs:
		return handleStatfs(s, body)
	case wire.OpReaddir:
		return handleReaddir(s, body)
	case wire.OpMknod:
		return handleMknod(s, body)
	case wire.OpMkdir:
		return handleMkdir(s, body)
	case wire.OpUnlink:
		return handleUnlink(s, body)
	case wire.OpRmdir:
		return handleRmdir(s, body)
	case wire.OpChmod:
		return handleChmod(s, body)
	case wire.OpChown:
		return handleChown(s, body)
	case wire.OpTruncate:
		return handleTruncate(s, body)
	case wire.OpUtime:
		return handleUtime(s, body)
	case wire.OpSymlink:
		return handleSymlink(s, body)
	case wire.OpRename:
		return handleRename(s, body)
	case wire.OpLink:
		return handleLink(s, body)
	case wire.OpOpen:
		return handleOpen(s, body)
	case wire.OpRead:
		return handleRead(s, body)
	case wire.OpWrite:
		return handleWrite(s, body)
	case wire.OpRelease:
		return handleRelease(s, body)
	case wire.OpRsync:
		return handleRsync(s, body)
	case wire.OpSetxattr:
		return handleSetxattr(s, body)
	case wire.OpGetxattr:
		return handleGetxattr(s, body)
	case wire.OpListxattr:
		return handleListxattr(s, body)
	case wire.OpRemovexattr:
		return handleRemovexattr(s, body)
	default:
		log.Warn("unrecognized opcode")
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
}

func dispatchXauth(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	size, err := dec.U32()
	if err != nil {
		return fmt.Errorf("xauth: decode size: %w", err)
	}
	authority, err := wire.ReadPayload(s.Conn, int(size), s.TransportTimeout)
	if err != nil {
		return fmt.Errorf("xauth: read authority payload: %w", err)
	}

	if err := HandleXauth(s, authority); err != nil {
		s.Log.WithError(err).Warn("xauth failed")
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

func dispatchMount(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	path, err := dec.String()
	if err != nil {
		return fmt.Errorf("mount: decode path: %w", err)
	}
	s.Mountpoint = path
	s.Log.WithField("mountpoint", path).Info("mountpoint bound")
	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}
