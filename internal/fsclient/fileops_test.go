package fsclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

func testFileSystem(t *testing.T, conn net.Conn) *FileSystem {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	c := NewClient(conn, log, func(error) {})
	return &FileSystem{
		client: c,
		inodes: newInodeTable(),
		log:    log,
	}
}

// readRequest reads one client request off conn and returns its opcode
// and decoded body.
func readRequest(t *testing.T, conn net.Conn) (wire.Opcode, *wire.Decoder) {
	t.Helper()
	packet, err := wire.ReadPacket(conn, 2*time.Second)
	require.NoError(t, err)
	dec := wire.NewDecoder(packet[4:])
	op, err := dec.U32()
	require.NoError(t, err)
	return wire.Opcode(op), dec
}

func replyGetattr(t *testing.T, conn net.Conn, mode, nlink uint32, size, atime, mtime, ctime int64) {
	t.Helper()
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.StatusOK))
	enc.PutU64(0)       // dev
	enc.PutU64(0)       // ino
	enc.PutU32(mode)    // mode
	enc.PutU32(nlink)   // nlink
	enc.PutU32(0)       // uid
	enc.PutU32(0)       // gid
	enc.PutU64(0)       // rdev
	enc.PutI64(size)    // size
	enc.PutU32(4096)    // blksize
	enc.PutI64(0)       // blocks
	enc.PutI64(atime)   // atime
	enc.PutI64(mtime)   // mtime
	enc.PutI64(ctime)   // ctime
	require.NoError(t, wire.WritePacket(conn, enc.Bytes(), 2*time.Second))
}

func replyOK(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, wire.WriteStatusOK(conn, 2*time.Second))
}

// TestSetInodeAttributesPreservesOmittedTimestamp covers a touch -m style
// setattr (only Mtime given): the sibling Atime must survive the round
// trip unchanged instead of being zeroed to the epoch.
func TestSetInodeAttributesPreservesOmittedTimestamp(t *testing.T) {
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })

	fs := testFileSystem(t, client)
	ino := fs.inodes.getOrCreate("/f")

	const currentAtime = int64(1000)
	newMtime := time.Unix(2000, 0)

	op := &fuseops.SetInodeAttributesOp{
		Inode: ino,
		Mtime: &newMtime,
	}

	done := make(chan error, 1)
	go func() { done <- fs.SetInodeAttributes(context.Background(), op) }()

	// RMW fetch of the current attributes, to learn the atime being left alone.
	opcode, _ := readRequest(t, srv)
	require.Equal(t, wire.OpGetattr, opcode)
	replyGetattr(t, srv, 0644, 1, 0, currentAtime, 500, 500)

	opcode, dec := readRequest(t, srv)
	require.Equal(t, wire.OpUtime, opcode)
	sentAtime, err := dec.I64()
	require.NoError(t, err)
	sentMtime, err := dec.I64()
	require.NoError(t, err)
	assert.Equal(t, currentAtime, sentAtime, "unspecified atime must be preserved, not zeroed")
	assert.Equal(t, newMtime.Unix(), sentMtime)
	replyOK(t, srv)

	// Final getattr SetInodeAttributes issues to fill op.Attributes.
	opcode, _ = readRequest(t, srv)
	require.Equal(t, wire.OpGetattr, opcode)
	replyGetattr(t, srv, 0644, 1, 0, currentAtime, newMtime.Unix(), 500)

	require.NoError(t, <-done)
}
