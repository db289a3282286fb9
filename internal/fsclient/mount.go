package fsclient

import (
	"github.com/ltsp-project/ltspfs/internal/wire"
)

// Mount sends the MOUNT request that binds the session to remoteDir,
// the client-side half of the session state transition dispatchMount
// performs on the server.
func Mount(c *Client, remoteDir string) error {
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpMount))
	enc.PutString(remoteDir)
	_, err := c.roundTrip(enc.Bytes())
	return err
}
