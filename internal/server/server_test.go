package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

func testSession(t *testing.T, mountpoint string) (*Session, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	s := NewSession(srv, log, false, true)
	s.Authenticated = true
	s.Mounted = true
	s.Mountpoint = mountpoint
	s.TransportTimeout = 2 * time.Second
	return s, client
}

func TestResolvePathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	s, _ := testSession(t, dir)

	_, err := s.ResolvePath("/../../etc/passwd")
	assert.Error(t, err)

	ok, err := s.ResolvePath("/subdir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "subdir/file.txt"), ok)
}

func TestResolvePathEnforcesPathMax(t *testing.T) {
	dir := t.TempDir()
	s, _ := testSession(t, dir)

	limit := PathMax - len(dir)
	okPath := "/" + strings.Repeat("a", limit-1)
	_, err := s.ResolvePath(okPath)
	require.NoError(t, err)

	tooLong := "/" + strings.Repeat("a", limit)
	_, err = s.ResolvePath(tooLong)
	assert.Error(t, err)
}

func TestMayDispatchStateMachine(t *testing.T) {
	s := &Session{}
	assert.True(t, s.MayDispatch(wire.OpXauth))
	assert.False(t, s.MayDispatch(wire.OpMount))

	s.Authenticated = true
	assert.True(t, s.MayDispatch(wire.OpMount))
	assert.False(t, s.MayDispatch(wire.OpGetattr))

	s.Mountpoint = "/srv/usb"
	assert.True(t, s.MayDispatch(wire.OpGetattr))
	assert.True(t, s.MayDispatch(wire.OpPing))
}

func TestDispatchGetattrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644))

	s, client := testSession(t, dir)

	go func() {
		enc := wire.NewEncoder()
		enc.PutString("/f")
		err := Dispatch(s, wire.OpGetattr, enc.Bytes()[4:])
		assert.NoError(t, err)
	}()

	packet, err := wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)

	dec := wire.NewDecoder(packet[4:])
	status, err := dec.U32()
	require.NoError(t, err)
	assert.EqualValues(t, wire.StatusOK, status)

	dec.U64() // dev
	dec.U64() // ino
	dec.U32() // mode
	dec.U32() // nlink
	dec.U32() // uid
	dec.U32() // gid
	dec.U64() // rdev
	size, err := dec.I64()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestDispatchWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))

	s, client := testSession(t, dir)

	go func() {
		enc := wire.NewEncoder()
		enc.PutU32(5).PutI64(0).PutString("/f")
		err := Dispatch(s, wire.OpWrite, enc.Bytes()[4:])
		assert.NoError(t, err)
	}()

	go func() {
		wire.WritePayload(client, []byte("hello"), 2*time.Second)
	}()

	packet, err := wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)
	dec := wire.NewDecoder(packet[4:])
	status, _ := dec.U32()
	assert.EqualValues(t, wire.StatusOK, status)
	n, _ := dec.U32()
	assert.EqualValues(t, 5, n)

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	go func() {
		enc := wire.NewEncoder()
		enc.PutU32(5).PutI64(0).PutString("/f")
		assert.NoError(t, Dispatch(s, wire.OpRead, enc.Bytes()[4:]))
	}()

	packet, err = wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)
	dec = wire.NewDecoder(packet[4:])
	status, _ = dec.U32()
	assert.EqualValues(t, wire.StatusOK, status)
	n, _ = dec.U32()
	assert.EqualValues(t, 5, n)
	payload, err := wire.ReadPayload(client, int(n), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestDispatchReadOnlyRejectsWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))

	s, client := testSession(t, dir)
	s.ReadOnly = true

	go func() {
		enc := wire.NewEncoder()
		enc.PutU32(uint32(unix.O_WRONLY)).PutString("/f")
		err := Dispatch(s, wire.OpOpen, enc.Bytes()[4:])
		assert.NoError(t, err)
	}()

	packet, err := wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)
	dec := wire.NewDecoder(packet[4:])
	status, _ := dec.U32()
	assert.EqualValues(t, wire.StatusFail, status)
}

func TestDispatchRenameAndGetattr(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "x"), []byte("data"), 0644))

	s, client := testSession(t, dir)

	go func() {
		enc := wire.NewEncoder()
		enc.PutString("/a/x").PutString("/b/x")
		assert.NoError(t, Dispatch(s, wire.OpRename, enc.Bytes()[4:]))
	}()
	packet, err := wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)
	dec := wire.NewDecoder(packet[4:])
	status, _ := dec.U32()
	assert.EqualValues(t, wire.StatusOK, status)

	go func() {
		enc := wire.NewEncoder()
		enc.PutString("/a/x")
		assert.NoError(t, Dispatch(s, wire.OpGetattr, enc.Bytes()[4:]))
	}()
	packet, err = wire.ReadPacket(client, 2*time.Second)
	require.NoError(t, err)
	dec = wire.NewDecoder(packet[4:])
	status, _ = dec.U32()
	assert.EqualValues(t, wire.StatusFail, status)
}
