package fsclient

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Authenticate performs the client side of the XAUTH handshake: if
// $DISPLAY begins with "localhost", send the literal dummy payload and
// rely on the server's skip-auth mode; otherwise run
// `xauth extract - $DISPLAY` and send its raw output.
func Authenticate(c *Client) error {
	authority, err := authorityPayload()
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	c.Lock()
	defer c.Unlock()

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpXauth))
	enc.PutU32(uint32(len(authority)))
	req := enc.Bytes()

	if err := wire.WritePacket(c.conn, req, c.timeout); err != nil {
		c.fatal(err)
		return err
	}
	if err := wire.WritePayload(c.conn, authority, c.timeout); err != nil {
		c.fatal(err)
		return err
	}

	packet, err := wire.ReadPacket(c.conn, c.timeout)
	if err != nil {
		c.fatal(err)
		return err
	}
	dec := wire.NewDecoder(packet[4:])
	status, err := dec.U32()
	if err != nil {
		return err
	}
	if wire.Status(status) != wire.StatusOK {
		return fmt.Errorf("authenticate: server rejected authority")
	}
	return nil
}

func authorityPayload() ([]byte, error) {
	display := os.Getenv("DISPLAY")
	if strings.HasPrefix(display, "localhost") {
		return []byte("DUMMY AUTH"), nil
	}
	if display == "" {
		return nil, fmt.Errorf("$DISPLAY is not set")
	}

	out, err := exec.Command("xauth", "extract", "-", display).Output()
	if err != nil {
		return nil, fmt.Errorf("xauth extract: %w", err)
	}
	return out, nil
}
