package announcer

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	return log
}

func TestDeviceTableAddAssignsIncreasingIDs(t *testing.T) {
	tbl := NewDeviceTable()

	d1, err := tbl.Add(Device{Sharename: "usb1"})
	require.NoError(t, err)
	d2, err := tbl.Add(Device{Sharename: "usb2"})
	require.NoError(t, err)

	assert.Equal(t, 1, d1.ID)
	assert.Equal(t, 2, d2.ID)
}

func TestDeviceTableRemoveFreesSlotButNotID(t *testing.T) {
	tbl := NewDeviceTable()
	d1, err := tbl.Add(Device{Sharename: "usb1"})
	require.NoError(t, err)

	removed, ok := tbl.Remove("USB1")
	require.True(t, ok)
	assert.Equal(t, d1.ID, removed.ID)

	_, ok = tbl.FindBySharename("usb1")
	assert.False(t, ok)

	d2, err := tbl.Add(Device{Sharename: "usb2"})
	require.NoError(t, err)
	assert.Equal(t, d1.ID+1, d2.ID, "device ids are never reused")
}

func TestDeviceTableFull(t *testing.T) {
	tbl := NewDeviceTable()
	for i := 0; i < maxDevices; i++ {
		_, err := tbl.Add(Device{Sharename: "dev"})
		require.NoError(t, err)
	}
	_, err := tbl.Add(Device{Sharename: "overflow"})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestDeviceLabel(t *testing.T) {
	block := Device{Kind: KindBlock, Description: "My USB Stick"}
	assert.Equal(t, "My USB Stick", block.Label())

	cdrom := Device{Kind: KindCDROM, Description: "CDrom", VolumeID: "PHOTOS"}
	assert.Equal(t, "PHOTOS", cdrom.Label())
}

func TestLineBatcherWaitsForTrailingNewline(t *testing.T) {
	var b lineBatcher

	lines := b.feed([]byte("RemoveDevice|usb1"))
	assert.Nil(t, lines, "no trailing newline yet")

	lines = b.feed([]byte("\nAddBlockDevice|usb2|/dev/sdb1|1|0|Stick\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "RemoveDevice|usb1", lines[0])
	assert.Equal(t, "AddBlockDevice|usb2|/dev/sdb1|1|0|Stick", lines[1])
}

func TestLineBatcherStripsCarriageReturns(t *testing.T) {
	var b lineBatcher
	lines := b.feed([]byte("Register|1|1000|bob\r\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, "Register|1|1000|bob", lines[0])
}

func TestLineBatcherDropsEmptyLines(t *testing.T) {
	var b lineBatcher
	lines := b.feed([]byte("\n\nDumpDevices\n\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, "DumpDevices", lines[0])
}

func TestSplitFieldsDropsEmptyTokens(t *testing.T) {
	fields := splitFields("AddBlockDevice|usb1|/dev/sdb1||0|Stick")
	assert.Equal(t, []string{"AddBlockDevice", "usb1", "/dev/sdb1", "0", "Stick"}, fields)
}

// pipeSubscriber wires a Subscriber to the write end of an os.Pipe so its
// outbound records can be read back in-process without a real socket.
func pipeSubscriber(t *testing.T) (*Subscriber, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	s := NewSubscriber(int(w.Fd()), "test")
	s.Registered = true
	return s, r
}

func readLine(t *testing.T, r *os.File) string {
	t.Helper()
	buf := make([]byte, 512)
	n, err := unix.Read(int(r.Fd()), buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestDispatchPipeLineAddBlockDeviceBroadcasts(t *testing.T) {
	a := New(testLogger())
	s, r := pipeSubscriber(t)
	a.subscribers[s.FD] = s

	a.dispatchPipeLine("AddBlockDevice|usb1|/dev/sdb1|1|512|My Stick")

	d, ok := a.devices.FindBySharename("usb1")
	require.True(t, ok)
	assert.Equal(t, 512, d.Size)

	line := readLine(t, r)
	assert.Equal(t, "AddBlockDevice|0|1|usb1|1|512|My Stick\r\n", line)
}

func TestDispatchPipeLineRemoveDeviceBroadcasts(t *testing.T) {
	a := New(testLogger())
	s, r := pipeSubscriber(t)
	a.subscribers[s.FD] = s

	a.dispatchPipeLine("AddBlockDevice|usb1|/dev/sdb1|1|512|My Stick")
	readLine(t, r) // drain the AddBlockDevice broadcast

	a.dispatchPipeLine("RemoveDevice|usb1")

	_, ok := a.devices.FindBySharename("usb1")
	assert.False(t, ok)

	line := readLine(t, r)
	assert.Equal(t, "RemoveDevice|1|1\r\n", line)
}

func TestDispatchPipeLineMalformedIsDroppedNotFatal(t *testing.T) {
	a := New(testLogger())
	a.dispatchPipeLine("AddBlockDevice|onlyonefield")
	_, ok := a.devices.FindBySharename("onlyonefield")
	assert.False(t, ok)
}

func TestEnumerateDevicesSkipsCDRomWithoutMedia(t *testing.T) {
	a := New(testLogger())
	_, err := a.devices.Add(Device{Sharename: "usb1", Description: "Stick", Kind: KindBlock})
	require.NoError(t, err)
	_, err = a.devices.Add(Device{Sharename: "cd1", Kind: KindCDROM, MediaPresent: false})
	require.NoError(t, err)

	s, r := pipeSubscriber(t)
	a.enumerateDevices(s, []string{"42"})

	line := readLine(t, r)
	assert.Equal(t, "AddBlockDevice|42|1|usb1|0|0|Stick\r\n", line)
}

func TestEnumerateDevicesEchoesCallerMsgID(t *testing.T) {
	a := New(testLogger())
	_, err := a.devices.Add(Device{Sharename: "usb1", Description: "Stick"})
	require.NoError(t, err)

	s, r := pipeSubscriber(t)
	a.enumerateDevices(s, []string{"77"})

	line := readLine(t, r)
	assert.Contains(t, line, "AddBlockDevice|77|")
}

func TestRegisterSubscriberRequiresThreeFields(t *testing.T) {
	a := New(testLogger())
	s, _ := pipeSubscriber(t)
	s.Registered = false

	a.registerSubscriber(s, []string{"1", "1000"})
	assert.False(t, s.Registered)

	a.registerSubscriber(s, []string{"1", "1000", "bob"})
	assert.True(t, s.Registered)
	assert.Equal(t, 1000, s.UserID)
	assert.Equal(t, "bob", s.Username)
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	a := New(testLogger())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	bad := NewSubscriber(int(w.Fd()), "bad")
	bad.Registered = true

	// Open the good subscriber's pipe before closing the bad one, so the
	// good subscriber cannot be handed the bad one's freed fd number.
	good, goodR := pipeSubscriber(t)

	w.Close() // writes to this fd now fail
	r.Close()

	a.subscribers[bad.FD] = bad
	a.subscribers[good.FD] = good

	a.broadcastAdd(&Device{ID: 1, Sharename: "usb1", Description: "Stick"})

	_, stillThere := a.subscribers[bad.FD]
	assert.False(t, stillThere, "failing subscriber should be dropped")

	_, stillGood := a.subscribers[good.FD]
	assert.True(t, stillGood)

	readLine(t, goodR)
}

// TestRunSurvivesSubscriberDroppedMidBroadcast drives the real select loop
// (not just broadcast in isolation) to confirm that a subscriber closed by
// a fan-out write failure is also removed from the loop's own watch set.
// Before the fix, the closed fd stayed there and the next select(2) call
// returned EBADF, which Run treated as fatal.
func TestRunSurvivesSubscriberDroppedMidBroadcast(t *testing.T) {
	listenFD, err := Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(listenFD) })

	pipePath := t.TempDir() + "/lbus.fifo"
	pipeFD, err := OpenPipe(pipePath)
	require.NoError(t, err)

	a := New(testLogger())

	badR, badW, err := os.Pipe()
	require.NoError(t, err)
	bad := NewSubscriber(int(badW.Fd()), "bad")
	bad.Registered = true

	// Open the good subscriber's pipe before closing the bad one, so the
	// good subscriber cannot be handed the bad one's freed fd number.
	good, goodR := pipeSubscriber(t)

	badW.Close() // writes to this fd now fail
	badR.Close()

	a.subscribers[bad.FD] = bad
	a.active[bad.FD] = struct{}{}
	a.subscribers[good.FD] = good
	a.active[good.FD] = struct{}{}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(listenFD, pipeFD, pipePath) }()

	pipeW, err := os.OpenFile(pipePath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = pipeW.WriteString("AddBlockDevice|usb1|/dev/sdb1|1|512|My Stick\n")
	require.NoError(t, err)
	pipeW.Close()

	readLine(t, goodR)

	select {
	case err := <-runErr:
		t.Fatalf("Run returned unexpectedly: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	_, stillActive := a.active[bad.FD]
	assert.False(t, stillActive, "dropped subscriber's fd must leave the select loop's active set")
}

func TestReadVolumeIDExtractsAndTrimsLabel(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "iso")
	require.NoError(t, err)
	defer f.Close()

	sector := make([]byte, isoBlockSize)
	sector[0] = 1 // primary volume descriptor type
	copy(sector[1:6], isoStandardID)
	copy(sector[volumeIDOffset:volumeIDOffset+volumeIDLen], []byte("PHOTOS                          "))

	_, err = f.Seek(16*isoBlockSize, 0)
	require.NoError(t, err)
	_, err = f.Write(sector)
	require.NoError(t, err)

	got := readVolumeID(f.Name(), testLogger())
	assert.Equal(t, "PHOTOS", got)
}

func TestReadVolumeIDFallsBackOnMissingDescriptor(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "iso")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(100*isoBlockSize))

	got := readVolumeID(f.Name(), testLogger())
	assert.Equal(t, genericCDLabel, got)
}
