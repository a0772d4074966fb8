package vfs

import (
	"sync"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
)

// Handle is an opened reference to a filesystem object (spec.md §3,
// fs_handle). It is shared across dup/fork and released on last close, so
// callers hold a *Handle by pointer rather than copying it.
type Handle struct {
	mu sync.Mutex

	Inode Inode
	FS    *Filesystem
	Flags OpenFlags
	Spec  HandleFlags

	pos int64

	// dpos is the directory-iteration cursor GetDents advances. A
	// filesystem that implements DirHandleTracker (ramfs does) registers
	// every open directory handle and rewrites its dpos in place via
	// AdjustDposForRemoval when a concurrent unlink/rmdir shifts the
	// entries that come before it (spec.md §4.4).
	dpos int
}

// DirHandleTracker is implemented by filesystems whose directory inodes must
// keep every open handle's iteration cursor in sync with concurrent topology
// changes (spec.md §3, "a list of open handles (to adjust their dpos on
// entry removal)"). Open/Close call into it for directory inodes only;
// read-only filesystems with no Unlink/Rmdir (fat32) need not implement it.
type DirHandleTracker interface {
	RegisterHandle(h *Handle)
	UnregisterHandle(h *Handle)
}

// AdjustDposForRemoval keeps h's directory cursor pointed at the same
// logical next entry after the entry at removedIndex (in iteration order) is
// deleted: if it lay before h's current position, the cursor moves back by
// one to absorb the shift (spec.md §4.4, §8 scenario 6).
func (h *Handle) AdjustDposForRemoval(removedIndex int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if removedIndex < h.dpos {
		h.dpos--
	}
}

// Open opens name inside parentDir and returns a handle, enforcing the
// open-flag contract spec.md §4.4 describes: O_CREAT creates name if it is
// absent, O_CREAT|O_EXCL fails if it is already present, a write-opening
// flag on a read-only FS fails with EROFS, directories never get a
// writable handle.
func Open(fs *Filesystem, parentDir Inode, name string, flags OpenFlags, makeNew func() (Inode, *errors.Errno)) (*Handle, *errors.Errno) {
	inode, lookupErr := parentDir.GetEntry(name)

	switch {
	case lookupErr == nil && flags&(OCREAT|OEXCL) == OCREAT|OEXCL:
		kernel.Log.WithFields(map[string]interface{}{"subsystem": "vfs", "name": name}).Debug("open: O_CREAT|O_EXCL on an existing name")
		return nil, errors.EEXIST
	case lookupErr == errors.ENOENT && flags&OCREAT != 0:
		if fs.ReadOnly {
			kernel.Log.WithFields(map[string]interface{}{"subsystem": "vfs", "name": name}).Debug("open: O_CREAT against a read-only filesystem")
			return nil, errors.EROFS
		}
		created, err := makeNew()
		if err != nil {
			return nil, err
		}
		if err := parentDir.Link(name, created); err != nil {
			return nil, err
		}
		inode = created
	case lookupErr != nil:
		return nil, lookupErr
	}

	if inode.Type() == EntryDir && flags.wantsWrite() {
		return nil, errors.EISDIR
	}
	if fs.ReadOnly && flags.wantsWrite() {
		return nil, errors.EROFS
	}

	inode.RefInc()

	spec := HandleFlags(0)
	if !fs.ReadOnly {
		spec |= MmapSupported
	}

	h := &Handle{Inode: inode, FS: fs, Flags: flags, Spec: spec}
	if flags&OAPPEND != 0 {
		h.pos = inode.Size()
	}
	if inode.Type() == EntryDir {
		if tracker, ok := inode.(DirHandleTracker); ok {
			tracker.RegisterHandle(h)
		}
	}
	return h, nil
}

// Close releases the handle's reference to its inode.
func (h *Handle) Close() {
	if h.Inode.Type() == EntryDir {
		if tracker, ok := h.Inode.(DirHandleTracker); ok {
			tracker.UnregisterHandle(h)
		}
	}
	h.Inode.RefDec()
}

// Read reads into p starting at the handle's current position, advancing
// it. Directories never support Read (spec.md §4.4: "other ops return
// ISDIR").
func (h *Handle) Read(p []byte) (int, *errors.Errno) {
	if h.Inode.Type() == EntryDir {
		return 0, errors.EISDIR
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Inode.RLock()
	defer h.Inode.RUnlock()

	n, err := h.Inode.Read(h.pos, p)
	h.pos += int64(n)
	return n, err
}

// Write writes p at the handle's current position (or at EOF if O_APPEND is
// set, forced before every write per spec.md §4.4), advancing the position.
func (h *Handle) Write(p []byte) (int, *errors.Errno) {
	if h.Inode.Type() == EntryDir {
		return 0, errors.EISDIR
	}
	if !h.Flags.wantsWrite() {
		return 0, errors.EBADF
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Inode.Lock()
	defer h.Inode.Unlock()

	if h.Flags&OAPPEND != 0 {
		h.pos = h.Inode.Size()
	}

	n, err := h.Inode.Write(h.pos, p)
	h.pos += int64(n)
	return n, err
}

// Seek repositions the handle; whence follows the io.Seeker convention
// (0=start, 1=current, 2=end).
func (h *Handle) Seek(offset int64, whence int) (int64, *errors.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch whence {
	case 0:
		h.pos = offset
	case 1:
		h.pos += offset
	case 2:
		h.pos = h.Inode.Size() + offset
	default:
		return 0, errors.EINVAL
	}
	if h.pos < 0 {
		h.pos = 0
		return 0, errors.EINVAL
	}
	return h.pos, nil
}

// GetDents lists directory entries from the handle's current dpos onward,
// only supported on directory handles (spec.md §4.4: "Directories only
// support read_dir"). bufSize caps how many serialized bytes the caller's
// buffer can hold; see vfs.DirentSize and Inode.GetDents for the
// EINVAL-vs-partial-fill contract that applies when nothing more fits.
func (h *Handle) GetDents(bufSize int) ([]Dirent, *errors.Errno) {
	if h.Inode.Type() != EntryDir {
		return nil, errors.ENOTDIR
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Inode.RLock()
	defer h.Inode.RUnlock()

	ents, err := h.Inode.GetDents(h.dpos, bufSize)
	if err != nil {
		return nil, err
	}
	h.dpos += len(ents)
	return ents, nil
}
