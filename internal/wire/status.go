package wire

import (
	"net"
	"time"
)

// WriteStatusOK writes a bare {length, OK} reply, the status-only success
// shape every mutator family handler returns.
func WriteStatusOK(conn net.Conn, timeout time.Duration) error {
	enc := NewEncoder()
	enc.PutU32(uint32(StatusOK))
	return WritePacket(conn, enc.Bytes(), timeout)
}

// WriteStatusFail writes {length, FAIL, errno}, mirroring status_return's
// failure branch.
func WriteStatusFail(conn net.Conn, errno uint32, timeout time.Duration) error {
	enc := NewEncoder()
	enc.PutU32(uint32(StatusFail))
	enc.PutU32(errno)
	return WritePacket(conn, enc.Bytes(), timeout)
}
