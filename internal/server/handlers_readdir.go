package server

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// handleReaddir implements the streamer family: open the directory, emit
// one CONT packet per entry carrying {inode, d_type, name}, then terminate
// with a single OK sentinel.
func handleReaddir(s *Session, body []byte) error {
	dec := wire.NewDecoder(body)
	rawPath, err := dec.String()
	if err != nil {
		return fmt.Errorf("readdir: decode path: %w", err)
	}

	path, ok := resolveOrFail(s, rawPath)
	if !ok {
		return wire.WriteStatusFail(s.Conn, uint32(syscall.EACCES), s.TransportTimeout)
	}

	dir, err := os.Open(path)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return wire.WriteStatusFail(s.Conn, uint32(errnoFromSyscall(err)), s.TransportTimeout)
	}

	for _, entry := range entries {
		var st unix.Stat_t
		entryPath := path + "/" + entry.Name()
		ino := uint64(0)
		if err := unix.Lstat(entryPath, &st); err == nil {
			ino = st.Ino
		}

		enc := wire.NewEncoder()
		enc.PutU32(uint32(wire.StatusCont))
		enc.PutU64(ino)
		enc.PutU32(uint32(directoryEntryType(entry)))
		enc.PutString(entry.Name())
		if err := wire.WritePacket(s.Conn, enc.Bytes(), s.TransportTimeout); err != nil {
			return fmt.Errorf("readdir: write entry: %w", err)
		}
	}

	return wire.WriteStatusOK(s.Conn, s.TransportTimeout)
}

// directoryEntryType maps a DirEntry's file mode onto the POSIX d_type
// values filler callbacks expect.
func directoryEntryType(entry os.DirEntry) uint8 {
	switch {
	case entry.IsDir():
		return unix.DT_DIR
	case entry.Type()&os.ModeSymlink != 0:
		return unix.DT_LNK
	case entry.Type()&os.ModeNamedPipe != 0:
		return unix.DT_FIFO
	case entry.Type()&os.ModeSocket != 0:
		return unix.DT_SOCK
	case entry.Type()&os.ModeDevice != 0:
		if entry.Type()&os.ModeCharDevice != 0 {
			return unix.DT_CHR
		}
		return unix.DT_BLK
	default:
		return unix.DT_REG
	}
}
