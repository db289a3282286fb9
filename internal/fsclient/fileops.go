package fsclient

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/ltsp-project/ltspfs/internal/wire"
)

// FileSystem implements fuseutil.FileSystem by translating every VFS
// callback into an opcode on the shared wire connection, generalizing
// samples/roloopbackfs's local "path-rooted POSIX call against an inode
// table" shape to a remote one.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	client  *Client
	inodes  *inodeTable
	log     logrus.FieldLogger
	nextHnd uint64

	// uid/gid of the user who ran the mount. Per spec, ownership is not
	// carried faithfully across the wire; every inode is reported as owned
	// by the mounting user instead of whatever uid/gid the terminal's local
	// filesystem actually has.
	uid uint32
	gid uint32
}

// New returns a fuse.Server ready to be passed to fuse.Mount. Every inode's
// reported ownership is the calling process's own uid/gid, i.e. the user who
// is mounting the share.
func New(client *Client, log logrus.FieldLogger) fuse.Server {
	fs := &FileSystem{
		client: client,
		inodes: newInodeTable(),
		log:    log,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
	}
	return fuseutil.NewFileSystemServer(fs)
}

func (fs *FileSystem) nextHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&fs.nextHnd, 1))
}

// getattr issues a wire GETATTR for path and fills attrs. uid/gid are not
// carried over from the reply: every inode is reported owned by the
// mounting user, since the wire protocol has no POSIX uid/gid fidelity
// across the boundary.
func (fs *FileSystem) getattr(path string) (fuseops.InodeAttributes, error) {
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpGetattr))
	enc.PutString(path)

	dec, err := fs.client.roundTrip(enc.Bytes())
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	var attrs fuseops.InodeAttributes
	dec.U64() // dev, unused on the FUSE side
	dec.U64() // ino, superseded by our own inode table id
	mode, _ := dec.U32()
	nlink, _ := dec.U32()
	dec.U32() // uid, overwritten below with the mounting user's own uid
	dec.U32() // gid, overwritten below with the mounting user's own gid
	dec.U64() // rdev
	size, _ := dec.I64()
	dec.U32() // blksize
	dec.I64() // blocks
	atime, _ := dec.I64()
	mtime, _ := dec.I64()
	ctime, _ := dec.I64()

	attrs.Size = uint64(size)
	attrs.Nlink = uint64(nlink)
	attrs.Mode = os.FileMode(mode)
	attrs.Uid = fs.uid
	attrs.Gid = fs.gid
	attrs.Atime = unixTime(atime)
	attrs.Mtime = unixTime(mtime)
	attrs.Ctime = unixTime(ctime)
	return attrs, nil
}

func (fs *FileSystem) statusErr(err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		switch errno {
		case syscall.ENOENT:
			return fuse.ENOENT
		case syscall.ENOSYS:
			return fuse.ENOSYS
		case syscall.ENOTEMPTY:
			return fuse.ENOTEMPTY
		default:
			return errno
		}
	}
	fs.log.WithError(err).Warn("transport error")
	return fuse.EIO
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpStatfs))
	enc.PutString("/")

	dec, err := fs.client.roundTrip(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}

	dec.U32() // type
	bsize, _ := dec.U32()
	blocks, _ := dec.U64()
	bfree, _ := dec.U64()
	bavail, _ := dec.U64()
	files, _ := dec.U64()
	ffree, _ := dec.U64()

	op.IoSize = bsize
	op.BlockSize = bsize
	op.Blocks = blocks
	op.BlocksFree = bfree
	op.BlocksAvailable = bavail
	op.Inodes = files
	op.InodesFree = ffree
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}

	op.Entry.Child = fs.inodes.getOrCreate(path)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Mode != nil {
		enc := wire.NewEncoder()
		enc.PutU32(uint32(wire.OpChmod))
		enc.PutU32(uint32(*op.Mode))
		enc.PutString(path)
		if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
			return fs.statusErr(err)
		}
	}
	if op.Size != nil {
		enc := wire.NewEncoder()
		enc.PutU32(uint32(wire.OpTruncate))
		enc.PutI64(int64(*op.Size))
		enc.PutString(path)
		if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
			return fs.statusErr(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		var atUnix, mtUnix int64
		if op.Atime != nil {
			atUnix = op.Atime.Unix()
		}
		if op.Mtime != nil {
			mtUnix = op.Mtime.Unix()
		}
		if op.Atime == nil || op.Mtime == nil {
			// The kernel only set one of the two; fetch the current
			// value for the other so OpUtime doesn't clobber it to
			// the epoch. handleUtime on the server always applies
			// both fields it's given.
			current, err := fs.getattr(path)
			if err != nil {
				return fs.statusErr(err)
			}
			if op.Atime == nil {
				atUnix = current.Atime.Unix()
			}
			if op.Mtime == nil {
				mtUnix = current.Mtime.Unix()
			}
		}

		enc := wire.NewEncoder()
		enc.PutU32(uint32(wire.OpUtime))
		enc.PutI64(atUnix)
		enc.PutI64(mtUnix)
		enc.PutString(path)
		if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
			return fs.statusErr(err)
		}
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.inodes.forget(op.Inode, op.N)
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpMkdir))
	enc.PutU32(uint32(op.Mode))
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Entry.Child = fs.inodes.getOrCreate(path)
	op.Entry.Attributes = attrs
	return nil
}

// CreateFile implements FUSE's create-then-open contract: there is no
// wire "create" opcode, so this issues MKNOD followed by OPEN, the pairing
// spec.md's single-path mutator family groups together.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpMknod))
	enc.PutU32(uint32(op.Mode))
	enc.PutU64(0) // regular file, no device number
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	openEnc := wire.NewEncoder()
	openEnc.PutU32(uint32(wire.OpOpen))
	openEnc.PutU32(uint32(os.O_RDWR))
	openEnc.PutString(path)
	if _, err := fs.client.roundTrip(openEnc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Entry.Child = fs.inodes.getOrCreate(path)
	op.Entry.Attributes = attrs
	op.Handle = fs.nextHandle()
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpSymlink))
	enc.PutString(op.Target)
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Entry.Child = fs.inodes.getOrCreate(path)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	targetPath, ok := fs.inodes.path(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpLink))
	enc.PutString(targetPath)
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	attrs, err := fs.getattr(path)
	if err != nil {
		return fs.statusErr(err)
	}
	op.Entry.Child = fs.inodes.getOrCreate(path)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.inodes.path(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.inodes.path(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := childPath(oldParent, op.OldName)
	newPath := childPath(newParent, op.NewName)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRename))
	enc.PutString(oldPath)
	enc.PutString(newPath)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}

	fs.inodes.rename(oldPath, newPath)
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRmdir))
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.inodes.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parent, op.Name)

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpUnlink))
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, ok := fs.inodes.path(op.Inode); !ok {
		return fuse.ENOENT
	}
	op.Handle = fs.nextHandle()
	return nil
}

// ReadDir streams the wire READDIR's CONT records into the kernel's dirent
// buffer via fuseutil.WriteDirent. Per spec.md §9 Open Question (c), once
// the buffer is full it keeps draining CONT packets without writing them,
// so the stream always reaches its terminating OK and the next READDIR
// restarts cleanly from the kernel-reported offset.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpReaddir))
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	if err := wire.WritePacket(fs.client.conn, enc.Bytes(), fs.client.timeout); err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}

	var index fuseops.DirOffset
	full := false
	for {
		packet, err := wire.ReadPacket(fs.client.conn, fs.client.timeout)
		if err != nil {
			fs.client.fatal(err)
			return fs.statusErr(err)
		}
		dec := wire.NewDecoder(packet[4:])
		status, err := dec.U32()
		if err != nil {
			return fs.statusErr(err)
		}
		if wire.Status(status) == wire.StatusOK {
			return nil
		}
		if wire.Status(status) != wire.StatusCont {
			return fuse.EIO
		}

		dec.U64() // remote inode number, superseded by our own inode table id
		dtype, _ := dec.U32()
		name, _ := dec.String()
		index++

		if full || index <= op.Offset {
			continue
		}

		entryPath := childPath(path, name)
		d := fuseutil.Dirent{
			Offset: index,
			Inode:  fs.inodes.getOrCreate(entryPath),
			Name:   name,
			Type:   direntTypeFromWire(uint8(dtype)),
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			full = true
			continue
		}
		op.BytesRead += n
	}
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpOpen))
	enc.PutU32(uint32(os.O_RDWR))
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}
	op.Handle = fs.nextHandle()
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRead))
	enc.PutU32(uint32(len(op.Dst)))
	enc.PutI64(op.Offset)
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	dec, err := fs.client.roundTripLocked(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}
	n, _ := dec.U32()

	payload, err := wire.ReadPayload(fs.client.conn, int(n), fs.client.timeout)
	if err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	op.BytesRead = copy(op.Dst, payload)
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpWrite))
	enc.PutU32(uint32(len(op.Data)))
	enc.PutI64(op.Offset)
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	if err := wire.WritePacket(fs.client.conn, enc.Bytes(), fs.client.timeout); err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	if err := wire.WritePayload(fs.client.conn, op.Data, fs.client.timeout); err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}

	packet, err := wire.ReadPacket(fs.client.conn, fs.client.timeout)
	if err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	dec := wire.NewDecoder(packet[4:])
	status, _ := dec.U32()
	if wire.Status(status) != wire.StatusOK {
		errnoVal, _ := dec.U32()
		return fs.statusErr(syscall.Errno(errnoVal))
	}
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRsync))
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRelease))
	enc.PutString("")
	_, err := fs.client.roundTrip(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpReadlink))
	enc.PutString(path)

	dec, err := fs.client.roundTrip(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}
	target, _ := dec.String()
	op.Target = target
	return nil
}

func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpGetxattr))
	enc.PutString(op.Name)
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	dec, err := fs.client.roundTripLocked(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}
	n, _ := dec.U32()
	payload, err := wire.ReadPayload(fs.client.conn, int(n), fs.client.timeout)
	if err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	op.BytesRead = copy(op.Dst, payload)
	return nil
}

func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpListxattr))
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	dec, err := fs.client.roundTripLocked(enc.Bytes())
	if err != nil {
		return fs.statusErr(err)
	}
	n, _ := dec.U32()
	payload, err := wire.ReadPayload(fs.client.conn, int(n), fs.client.timeout)
	if err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	op.BytesRead = copy(op.Dst, payload)
	return nil
}

func (fs *FileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpSetxattr))
	enc.PutString(op.Name)
	enc.PutU32(uint32(len(op.Value)))
	enc.PutU32(op.Flags)
	enc.PutString(path)

	fs.client.Lock()
	defer fs.client.Unlock()

	if err := wire.WritePacket(fs.client.conn, enc.Bytes(), fs.client.timeout); err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	if err := wire.WritePayload(fs.client.conn, op.Value, fs.client.timeout); err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	packet, err := wire.ReadPacket(fs.client.conn, fs.client.timeout)
	if err != nil {
		fs.client.fatal(err)
		return fs.statusErr(err)
	}
	dec := wire.NewDecoder(packet[4:])
	status, _ := dec.U32()
	if wire.Status(status) != wire.StatusOK {
		errnoVal, _ := dec.U32()
		return fs.statusErr(syscall.Errno(errnoVal))
	}
	return nil
}

func (fs *FileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	path, ok := fs.inodes.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	enc := wire.NewEncoder()
	enc.PutU32(uint32(wire.OpRemovexattr))
	enc.PutString(op.Name)
	enc.PutString(path)
	if _, err := fs.client.roundTrip(enc.Bytes()); err != nil {
		return fs.statusErr(err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// direntTypeFromWire maps the wire READDIR record's d_type byte (a unix.DT_*
// constant) to the fuseutil.DirentType the kernel dirent buffer expects.
func direntTypeFromWire(dtype uint8) fuseutil.DirentType {
	switch dtype {
	case unix.DT_DIR:
		return fuseutil.DT_Directory
	case unix.DT_LNK:
		return fuseutil.DT_Link
	case unix.DT_REG:
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}
