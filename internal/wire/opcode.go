// Package wire implements the length-prefixed, XDR-encoded RPC protocol
// shared by the terminal file server and the server-side FUSE client.
package wire

// Opcode selects which filesystem operation a request represents. The
// integer values are part of the wire ABI; never reorder them.
type Opcode uint32

const (
	OpGetattr Opcode = iota
	OpReadlink
	OpReaddir
	OpMknod
	OpMkdir
	OpSymlink
	OpUnlink
	OpRmdir
	OpRename
	OpLink
	OpChmod
	OpChown
	OpTruncate
	OpUtime
	OpOpen
	OpRead
	OpWrite
	OpStatfs
	OpRelease
	OpRsync
	OpSetxattr
	OpGetxattr
	OpListxattr
	OpRemovexattr
	OpXauth
	OpMount
	OpPing
	OpQuit
)

var opcodeNames = map[Opcode]string{
	OpGetattr:     "GETATTR",
	OpReadlink:    "READLINK",
	OpReaddir:     "READDIR",
	OpMknod:       "MKNOD",
	OpMkdir:       "MKDIR",
	OpSymlink:     "SYMLINK",
	OpUnlink:      "UNLINK",
	OpRmdir:       "RMDIR",
	OpRename:      "RENAME",
	OpLink:        "LINK",
	OpChmod:       "CHMOD",
	OpChown:       "CHOWN",
	OpTruncate:    "TRUNCATE",
	OpUtime:       "UTIME",
	OpOpen:        "OPEN",
	OpRead:        "READ",
	OpWrite:       "WRITE",
	OpStatfs:      "STATFS",
	OpRelease:     "RELEASE",
	OpRsync:       "RSYNC",
	OpSetxattr:    "SETXATTR",
	OpGetxattr:    "GETXATTR",
	OpListxattr:   "LISTXATTR",
	OpRemovexattr: "REMOVEXATTR",
	OpXauth:       "XAUTH",
	OpMount:       "MOUNT",
	OpPing:        "PING",
	OpQuit:        "QUIT",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return "UNKNOWN"
}

// Status is the leading result code of every reply.
type Status uint32

const (
	StatusOK Status = iota
	StatusFail
	StatusCont
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	case StatusCont:
		return "CONT"
	default:
		return "UNKNOWN"
	}
}
