// Package fsclient implements the server-side FUSE client: it translates
// every VFS callback the kernel delivers into a request on the shared
// connection to the terminal file server and turns the reply into the
// callback's result.
package fsclient

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// inodeTable is the bidirectional path <-> inode map that lets the
// client answer inode-addressed FUSE callbacks against a path-addressed
// wire protocol. It generalizes the read-only loopback sample's local
// lstat-backed inode bookkeeping: "creating" an entry here never touches
// a local filesystem, it just mints an id for a path the wire protocol
// has already vouched for via a GETATTR reply.
type inodeTable struct {
	mu        sync.Mutex
	nextID    fuseops.InodeID
	pathByID  map[fuseops.InodeID]string
	idByPath  map[string]fuseops.InodeID
	refCounts map[fuseops.InodeID]uint64
}

func newInodeTable() *inodeTable {
	t := &inodeTable{
		nextID:    fuseops.RootInodeID + 1,
		pathByID:  make(map[fuseops.InodeID]string),
		idByPath:  make(map[string]fuseops.InodeID),
		refCounts: make(map[fuseops.InodeID]uint64),
	}
	t.pathByID[fuseops.RootInodeID] = "/"
	t.idByPath["/"] = fuseops.RootInodeID
	t.refCounts[fuseops.RootInodeID] = 1
	return t
}

// getOrCreate returns the inode id for path, minting one if this is the
// first time the path has been seen, and bumps its lookup refcount either
// way, the role roloopbackfs.getOrCreateInode plays for its local
// equivalent.
func (t *inodeTable) getOrCreate(path string) fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.idByPath[path]; ok {
		t.refCounts[id]++
		return id
	}

	id := t.nextID
	t.nextID++
	t.pathByID[id] = path
	t.idByPath[path] = id
	t.refCounts[id] = 1
	return id
}

func (t *inodeTable) path(id fuseops.InodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pathByID[id]
	return p, ok
}

// forget drops n lookups' worth of references to id, removing the entry
// once its count reaches zero, mirroring the kernel's ForgetInode
// contract.
func (t *inodeTable) forget(id fuseops.InodeID, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == fuseops.RootInodeID {
		return
	}

	count, ok := t.refCounts[id]
	if !ok {
		return
	}
	if n >= count {
		delete(t.refCounts, id)
		if p, ok := t.pathByID[id]; ok {
			delete(t.pathByID, id)
			delete(t.idByPath, p)
		}
		return
	}
	t.refCounts[id] = count - n
}

// rename updates the table in place when the backing path of an inode
// moves, so subsequent callbacks against the same inode id address the
// new path.
func (t *inodeTable) rename(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.idByPath[oldPath]
	if !ok {
		return
	}
	delete(t.idByPath, oldPath)
	t.idByPath[newPath] = id
	t.pathByID[id] = newPath
}

func childPath(parent string, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
