// Package server implements the terminal-side file server: the process
// that accepts a connection from the login server, authenticates it via
// an X11 display cookie, binds a mountpoint, and serves POSIX-shaped
// filesystem opcodes against a sub-tree of the local filesystem.
package server

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Session holds the per-connection state the legacy source kept as
// module-level globals, safe there only because each session owned a
// forked process. Passing it explicitly down the call graph lets the
// same dispatch code run under either the process-per-connection or the
// debug in-process concurrency model.
type Session struct {
	ID string

	Conn net.Conn
	Log  logrus.FieldLogger

	// ReadOnly and SkipAuth come from CLI flags and never change for the
	// life of the session.
	ReadOnly bool
	SkipAuth bool

	// TransportTimeout bounds ordinary read/write; AutomountTimeout bounds
	// the idle wait between requests.
	TransportTimeout time.Duration
	AutomountTimeout time.Duration

	// Authenticated, Mountpoint and Mounted traverse the state machine
	// (false,"",_) -> (true,"",_) -> (true,p,false) <-> (true,p,true).
	Authenticated bool
	Mountpoint    string
	Mounted       bool
}

// NewSession builds a fresh, unauthenticated session for one accepted
// connection.
func NewSession(conn net.Conn, log logrus.FieldLogger, readOnly, skipAuth bool) *Session {
	id := uuid.NewString()
	return &Session{
		ID:               id,
		Conn:             conn,
		Log:              log.WithField("session", id),
		ReadOnly:         readOnly,
		SkipAuth:         skipAuth,
		TransportTimeout: wire.DefaultTransportTimeout,
		AutomountTimeout: wire.DefaultAutomountTimeout,
	}
}

// MayDispatch reports whether opcode op is legal in the session's current
// state, per the authentication and mount gates: before authentication
// only XAUTH is legal, and before a mountpoint is bound only MOUNT is.
// PING and QUIT, like every other opcode, become legal once a mountpoint
// is bound.
func (s *Session) MayDispatch(op wire.Opcode) bool {
	if !s.Authenticated {
		return op == wire.OpXauth
	}
	if s.Mountpoint == "" {
		return op == wire.OpMount
	}
	return true
}
