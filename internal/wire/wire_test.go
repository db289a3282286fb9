package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeRegistryOrder(t *testing.T) {
	// The integer codes are part of the wire ABI; a reorder here is a
	// compatibility break.
	want := []Opcode{
		OpGetattr, OpReadlink, OpReaddir, OpMknod, OpMkdir, OpSymlink,
		OpUnlink, OpRmdir, OpRename, OpLink, OpChmod, OpChown, OpTruncate,
		OpUtime, OpOpen, OpRead, OpWrite, OpStatfs, OpRelease, OpRsync,
		OpSetxattr, OpGetxattr, OpListxattr, OpRemovexattr, OpXauth,
		OpMount, OpPing, OpQuit,
	}
	for i, op := range want {
		assert.Equal(t, Opcode(i), op, "opcode %s moved position", op)
	}
	assert.EqualValues(t, 27, OpQuit)
}

func TestEncoderRewritesLength(t *testing.T) {
	enc := NewEncoder()
	enc.PutU32(uint32(StatusOK)).PutString("/home/user")
	b := enc.Bytes()

	require.True(t, len(b) >= 4)
	got := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	assert.EqualValues(t, len(b), got, "leading length field must equal total serialized length")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.PutU32(42).PutI32(-7).PutU64(1 << 40).PutString("/mnt/usb/file")
	body := enc.Bytes()[4:]

	dec := NewDecoder(body)
	u32, err := dec.U32()
	require.NoError(t, err)
	assert.EqualValues(t, 42, u32)

	i32, err := dec.I32()
	require.NoError(t, err)
	assert.EqualValues(t, -7, i32)

	u64, err := dec.U64()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<40, u64)

	s, err := dec.String()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/usb/file", s)
}

func TestReadWritePacketRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	enc := NewEncoder()
	enc.PutU32(uint32(OpGetattr)).PutString("/a/b")
	packet := enc.Bytes()

	done := make(chan error, 1)
	go func() { done <- WritePacket(client, packet, time.Second) }()

	got, err := ReadPacket(server, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, packet, got)
}

func TestReadPacketShortReadIsFatal(t *testing.T) {
	client, server := net.Pipe()

	go func() {
		// Write a length prefix claiming more data than ever arrives, then
		// hang up, simulating peer EOF mid-frame.
		enc := NewEncoder()
		enc.PutU32(0).PutString("unfinished")
		packet := enc.Bytes()
		client.Write(packet[:4])
		client.Close()
	}()

	_, err := ReadPacket(server, time.Second)
	assert.Error(t, err)
}

func TestStatusReplyShapes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go WriteStatusFail(client, 13 /* EACCES */, time.Second)

	packet, err := ReadPacket(server, time.Second)
	require.NoError(t, err)

	dec := NewDecoder(packet[4:])
	status, err := dec.U32()
	require.NoError(t, err)
	assert.EqualValues(t, StatusFail, status)

	errno, err := dec.U32()
	require.NoError(t, err)
	assert.EqualValues(t, 13, errno)
}
