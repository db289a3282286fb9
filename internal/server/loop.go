package server

import (
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Serve owns conn for its lifetime: it runs the session loop described in
// spec.md §4.2 until a transport-fatal error, QUIT, or the peer hanging
// up, then closes conn. It never returns an error; failures are logged,
// matching "any transport error on the session socket terminates the
// worker process immediately."
func Serve(conn net.Conn, log logrus.FieldLogger, readOnly, skipAuth bool) {
	defer conn.Close()

	s := NewSession(conn, log, readOnly, skipAuth)
	s.Log.Info("session started")
	defer s.Log.Info("session ended")

	for {
		// Block up to AutomountTimeout on socket readiness; on expiry, if
		// mounted, unmount and keep waiting.
		if err := conn.SetReadDeadline(deadlineIn(s.AutomountTimeout)); err != nil {
			s.Log.WithError(err).Error("set idle deadline")
			return
		}

		packet, err := wire.ReadPacket(conn, 0)
		if isTimeout(err) {
			if s.Mounted {
				s.Log.Debug("idle timeout, automount unmounting")
				Autounmount(s)
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.Log.Debug("peer hung up")
			} else {
				s.Log.WithError(err).Warn("transport error, ending session")
			}
			return
		}

		body := packet[4:]
		op, rest, err := decodeOpcode(body)
		if err != nil {
			s.Log.WithError(err).Warn("malformed request header")
			return
		}

		if err := conn.SetReadDeadline(deadlineIn(s.TransportTimeout)); err != nil {
			s.Log.WithError(err).Error("set transport deadline")
			return
		}

		if err := Dispatch(s, op, rest); err != nil {
			s.Log.WithError(err).Warn("dispatch failed, ending session")
			return
		}

		if op == wire.OpQuit {
			return
		}
	}
}

func decodeOpcode(body []byte) (wire.Opcode, []byte, error) {
	dec := wire.NewDecoder(body)
	v, err := dec.U32()
	if err != nil {
		return 0, nil, err
	}
	// The opcode occupies the first 4 bytes of body; the remaining fields
	// start at offset 4.
	if len(body) < 4 {
		return wire.Opcode(v), nil, nil
	}
	return wire.Opcode(v), body[4:], nil
}
