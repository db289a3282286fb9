package fsclient

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Client owns the single persistent connection to the terminal file
// server. FUSE invokes callbacks from many kernel threads concurrently;
// Client serializes every request/reply round trip behind one mutex so
// a reply is always matched unambiguously to its request, since the
// wire protocol carries no per-request sequence number.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	timeout time.Duration
	log     logrus.FieldLogger

	onFatal func(error)
}

// NewClient wraps an already-dialed connection. onFatal is invoked on
// every transport error that makes the connection unusable, so it can be
// called more than once; the caller is expected to unmount and exit in
// response to the first call, matching "torn
// down on any transport fatal error by closing the socket and requesting
// the host to unmount."
func NewClient(conn net.Conn, log logrus.FieldLogger, onFatal func(error)) *Client {
	return &Client{
		conn:    conn,
		timeout: wire.DefaultTransportTimeout,
		log:     log,
		onFatal: onFatal,
	}
}

// roundTrip sends a request packet and returns the decoded reply body
// (with the leading length and status fields already consumed). A FAIL
// status is translated into a syscall.Errno; a transport-level failure
// triggers onFatal and is returned as-is.
func (c *Client) roundTrip(request []byte) (*wire.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTripLocked(request)
}

// roundTripLocked assumes the caller already holds c.mu, used by bulk I/O
// paths that must keep the mutex held across the raw payload transfer.
func (c *Client) roundTripLocked(request []byte) (*wire.Decoder, error) {
	if err := wire.WritePacket(c.conn, request, c.timeout); err != nil {
		c.fatal(err)
		return nil, err
	}

	packet, err := wire.ReadPacket(c.conn, c.timeout)
	if err != nil {
		c.fatal(err)
		return nil, err
	}

	dec := wire.NewDecoder(packet[4:])
	status, err := dec.U32()
	if err != nil {
		c.fatal(err)
		return nil, err
	}

	switch wire.Status(status) {
	case wire.StatusOK:
		return dec, nil
	case wire.StatusFail:
		errnoVal, err := dec.U32()
		if err != nil {
			c.fatal(err)
			return nil, err
		}
		return nil, syscall.Errno(errnoVal)
	default:
		err := fmt.Errorf("round trip: unexpected status %d", status)
		c.fatal(err)
		return nil, err
	}
}

func (c *Client) fatal(err error) {
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// Lock and Unlock expose the shared mutex to callers (ReadFile/WriteFile,
// the pinger) that need to hold it across a raw payload transfer in
// addition to the request/reply exchange.
func (c *Client) Lock()   { c.mu.Lock() }
func (c *Client) Unlock() { c.mu.Unlock() }

func (c *Client) Conn() net.Conn         { return c.conn }
func (c *Client) Timeout() time.Duration { return c.timeout }
