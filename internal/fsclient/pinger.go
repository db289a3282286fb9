package fsclient

import (
	"context"
	"time"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// DefaultPingInterval is how often the pinger wakes to probe the
// connection, the Go goroutine-plus-ticker analogue of the legacy
// source's detached ping_timeout pthread.
const DefaultPingInterval = 30 * time.Second

// StartPinger launches the keepalive goroutine and returns a function
// that stops it. Any ping failure calls onFatal, which the FUSE client
// wires to unmount-and-exit: the pinger doubles as a liveness probe and
// a way to detect the terminal powering off.
func StartPinger(ctx context.Context, c *Client, interval time.Duration, onFatal func(error)) (stop func()) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ping(c); err != nil {
					onFatal(err)
					return
				}
			}
		}
	}()

	return cancel
}

func ping(c *Client) error {
	c.Lock()
	defer c.Unlock()

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpPing))
	_, err := c.roundTripLocked(enc.Bytes())
	return err
}
