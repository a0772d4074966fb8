// Package ramfs implements spec.md §4.4's ramfs: a filesystem backed
// entirely by page-sized blocks kept in a page-keyed tree, with
// mmap/page-fault support that resolves holes to the shared zero page and
// allocates a block on first write.
package ramfs

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
	"github.com/tilck-go/tilck/kernel/vfs"
)

// FrameAllocator is the same contract kernel/mem/vmm.FrameAllocator
// exposes. ramfs depends on it directly (rather than on the vmm package)
// so that file content lives in real, frame-backed, page-aligned memory:
// the same frame a mmap installs into an address space is the frame a
// plain read()/write() touches, which is what lets ramfs mmap regions be
// genuinely SHARED across processes (spec.md §4.4).
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *errors.Errno)
	FreeFrame(f pmm.Frame)
	Bytes(f pmm.Frame) []byte
}

// block is one page-sized chunk of a file's content (spec.md §3,
// ramfs_block). Offset is always a page multiple; the content itself lives
// in the frame the allocator backs it with.
type block struct {
	offset int64
	frame  pmm.Frame
}

func blockLess(a, b block) bool { return a.offset < b.offset }

// dirEntry is one name -> inode binding inside a directory (spec.md §3,
// ramfs_entry). Directories keep both a name-keyed tree (fast lookup) and an
// insertion-ordered slice of names, entryOrder (stable iteration order
// across concurrent inserts/deletes).
type dirEntry struct {
	name  string
	inode *Inode
}

func dirEntryLess(a, b dirEntry) bool { return a.name < b.name }

// Inode is ramfs's concrete vfs.Inode implementation (spec.md §3).
type Inode struct {
	mu sync.RWMutex

	ino      int64
	kind     vfs.EntryType
	refcount int32
	nlink    int32

	ctime time.Time
	mtime time.Time

	alloc FrameAllocator

	// FILE
	size   int64
	blocks *btree.BTreeG[block]

	// DIR
	entries     *btree.BTreeG[dirEntry]
	entryOrder  []string      // insertion order, for stable getdents
	openHandles []*vfs.Handle // spec.md §3: adjusted on entry removal
	parent      *Inode

	// SYMLINK
	symlinkPath string
}

var inodeCounter int64

func nextIno() int64 {
	inodeCounter++
	return inodeCounter
}

// NewFile creates an empty regular file inode whose blocks are allocated
// from alloc.
func NewFile(alloc FrameAllocator) *Inode {
	now := timeNow()
	return &Inode{
		ino:    nextIno(),
		kind:   vfs.EntryFile,
		nlink:  1,
		ctime:  now,
		mtime:  now,
		alloc:  alloc,
		blocks: btree.NewG(32, blockLess),
	}
}

// NewDir creates an empty directory inode, parented under parent (nil for
// the filesystem root).
func NewDir(alloc FrameAllocator, parent *Inode) *Inode {
	now := timeNow()
	return &Inode{
		ino:     nextIno(),
		kind:    vfs.EntryDir,
		nlink:   1,
		ctime:   now,
		mtime:   now,
		alloc:   alloc,
		entries: btree.NewG(32, dirEntryLess),
		parent:  parent,
	}
}

// NewFilesystem builds a ramfs root directory and wraps it in a
// *vfs.Filesystem, ready to mount. alloc backs every file created under the
// tree, directly or via vfs.Open's O_CREAT path.
func NewFilesystem(alloc FrameAllocator) *vfs.Filesystem {
	return &vfs.Filesystem{Root: NewDir(alloc, nil)}
}

// RegisterHandle and UnregisterHandle implement vfs.DirHandleTracker: every
// handle opened on this directory is tracked so Unlink/Rmdir can adjust its
// dpos in place when a concurrent removal shifts entryOrder (spec.md §3).
func (i *Inode) RegisterHandle(h *vfs.Handle) {
	i.mu.Lock()
	i.openHandles = append(i.openHandles, h)
	i.mu.Unlock()
}

func (i *Inode) UnregisterHandle(h *vfs.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, oh := range i.openHandles {
		if oh == h {
			i.openHandles = append(i.openHandles[:idx], i.openHandles[idx+1:]...)
			return
		}
	}
}

// Alloc returns the frame allocator backing this inode's tree, so callers
// (notably vfs.Open's makeNew closure for O_CREAT) can create sibling inodes
// without threading an allocator through on their own.
func (i *Inode) Alloc() FrameAllocator { return i.alloc }

// NewSymlink creates a symlink inode pointing at target.
func NewSymlink(target string) *Inode {
	now := timeNow()
	return &Inode{
		ino:         nextIno(),
		kind:        vfs.EntrySymlink,
		nlink:       1,
		ctime:       now,
		mtime:       now,
		symlinkPath: target,
	}
}

// timeNow is a package-level var so tests can pin wall-clock time instead
// of asserting against a moving target.
var timeNow = time.Now

func (i *Inode) Type() vfs.EntryType { return i.kind }

func (i *Inode) Size() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}

func (i *Inode) Lock()    { i.mu.Lock() }
func (i *Inode) Unlock()  { i.mu.Unlock() }
func (i *Inode) RLock()   { i.mu.RLock() }
func (i *Inode) RUnlock() { i.mu.RUnlock() }

func (i *Inode) RefInc() {
	i.mu.Lock()
	i.refcount++
	i.mu.Unlock()
}

func (i *Inode) RefDec() int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refcount--
	return i.refcount
}

const pageSize = int64(mem.PageSize)

func pageAlign(off int64) int64 { return off &^ (pageSize - 1) }

// Read implements spec.md §4.4's ramfs read algorithm: for each covering
// page, a missing block is a hole and reads back as zeros.
func (i *Inode) Read(pos int64, p []byte) (int, *errors.Errno) {
	if i.kind != vfs.EntryFile {
		return 0, errors.EISDIR
	}
	if pos >= i.size {
		return 0, nil
	}
	if pos+int64(len(p)) > i.size {
		p = p[:i.size-pos]
	}

	n := 0
	for n < len(p) {
		off := pos + int64(n)
		pageOff := pageAlign(off)
		inPage := off - pageOff

		b, ok := i.blocks.Get(block{offset: pageOff})
		remaining := pageSize - inPage
		want := int64(len(p) - n)
		take := remaining
		if want < take {
			take = want
		}

		if !ok {
			for k := int64(0); k < take; k++ {
				p[n+int(k)] = 0
			}
		} else {
			data := i.alloc.Bytes(b.frame)
			copy(p[n:n+int(take)], data[inPage:inPage+take])
		}
		n += int(take)
	}
	return n, nil
}

// Write implements spec.md §4.4's ramfs write algorithm: allocate blocks on
// demand, extend size past the previous EOF as needed.
func (i *Inode) Write(pos int64, p []byte) (int, *errors.Errno) {
	if i.kind != vfs.EntryFile {
		return 0, errors.EISDIR
	}

	n := 0
	for n < len(p) {
		off := pos + int64(n)
		pageOff := pageAlign(off)
		inPage := off - pageOff

		b, ok := i.blocks.Get(block{offset: pageOff})
		if !ok {
			frame, err := i.alloc.AllocFrame()
			if err != nil {
				kernel.Log.WithFields(map[string]interface{}{
					"subsystem": "vfs/ramfs",
					"ino":       i.ino,
				}).Warn("write: block allocation failed, out of frames")
				return n, errors.ENOSPC
			}
			b = block{offset: pageOff, frame: frame}
			i.blocks.ReplaceOrInsert(b)
		}

		remaining := pageSize - inPage
		want := int64(len(p) - n)
		take := remaining
		if want < take {
			take = want
		}
		data := i.alloc.Bytes(b.frame)
		copy(data[inPage:inPage+take], p[n:n+int(take)])

		n += int(take)
	}

	if end := pos + int64(n); end > i.size {
		i.size = end
	}
	i.mtime = timeNow()
	return n, nil
}

// GetEntry resolves one path component under a directory inode.
func (i *Inode) GetEntry(name string) (vfs.Inode, *errors.Errno) {
	if i.kind != vfs.EntryDir {
		return nil, errors.ENOTDIR
	}
	if name == "." {
		return i, nil
	}
	if name == ".." {
		if i.parent != nil {
			return i.parent, nil
		}
		return i, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries.Get(dirEntry{name: name})
	if !ok {
		return nil, errors.ENOENT
	}
	return e.inode, nil
}

// Link adds name -> target to a directory (spec.md §3, insertion order
// tracked for stable getdents).
func (i *Inode) Link(name string, target vfs.Inode) *errors.Errno {
	if i.kind != vfs.EntryDir {
		return errors.ENOTDIR
	}
	child, ok := target.(*Inode)
	if !ok {
		return errors.EINVAL
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.entries.Get(dirEntry{name: name}); exists {
		return errors.EEXIST
	}
	i.entries.ReplaceOrInsert(dirEntry{name: name, inode: child})
	i.entryOrder = append(i.entryOrder, name)
	if child.kind == vfs.EntryDir {
		child.parent = i
	}
	return nil
}

// Mkdir creates and links a new subdirectory.
func (i *Inode) Mkdir(name string) (vfs.Inode, *errors.Errno) {
	dir := NewDir(i.alloc, i)
	if err := i.Link(name, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// Unlink removes a non-directory entry and refuses directories (spec.md
// §4.4). It makes no permission check: ramfs inodes carry no mode bits.
func (i *Inode) Unlink(name string) *errors.Errno {
	if i.kind != vfs.EntryDir {
		return errors.ENOTDIR
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries.Get(dirEntry{name: name})
	if !ok {
		return errors.ENOENT
	}
	if e.inode.kind == vfs.EntryDir {
		return errors.EISDIR
	}

	i.entries.Delete(dirEntry{name: name})
	idx := i.removeFromOrderLocked(name)
	i.adjustHandlesForRemovalLocked(idx)

	e.inode.mu.Lock()
	e.inode.nlink--
	destroy := e.inode.nlink == 0 && e.inode.refcount == 0
	e.inode.mu.Unlock()
	if destroy {
		e.inode.freeBlocks()
	}
	return nil
}

// Rmdir refuses a non-empty directory (more than its own bookkeeping
// entries, spec.md §4.4).
func (i *Inode) Rmdir(name string) *errors.Errno {
	if i.kind != vfs.EntryDir {
		return errors.ENOTDIR
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries.Get(dirEntry{name: name})
	if !ok {
		return errors.ENOENT
	}
	if e.inode.kind != vfs.EntryDir {
		return errors.ENOTDIR
	}
	if e.inode.entries.Len() > 0 {
		return errors.ENOTEMPTY
	}

	i.entries.Delete(dirEntry{name: name})
	idx := i.removeFromOrderLocked(name)
	i.adjustHandlesForRemovalLocked(idx)
	return nil
}

// removeFromOrderLocked removes name from entryOrder and returns the index
// it occupied, or -1 if it wasn't present. Callers hold i.mu.
func (i *Inode) removeFromOrderLocked(name string) int {
	for idx, n := range i.entryOrder {
		if n == name {
			i.entryOrder = append(i.entryOrder[:idx], i.entryOrder[idx+1:]...)
			return idx
		}
	}
	return -1
}

// adjustHandlesForRemovalLocked keeps every open directory handle's dpos
// pointed at the same logical next entry after the entry at removedIdx is
// deleted from entryOrder (spec.md §4.4, §8 scenario 6). Callers hold i.mu.
func (i *Inode) adjustHandlesForRemovalLocked(removedIdx int) {
	if removedIdx < 0 {
		return
	}
	for _, h := range i.openHandles {
		h.AdjustDposForRemoval(removedIdx)
	}
}

func (i *Inode) freeBlocks() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.blocks.Ascend(func(b block) bool {
		i.alloc.FreeFrame(b.frame)
		return true
	})
	i.blocks.Clear(false)
}

// GetDents lists entries in insertion order starting after the `after`'th
// entry, stopping once the serialized records would exceed bufSize bytes.
// If the first not-yet-emitted entry doesn't fit in bufSize at all, it
// returns EINVAL rather than an empty, misleadingly-final result; otherwise
// it returns whatever already fit (spec.md §4.4).
func (i *Inode) GetDents(after int, bufSize int) ([]vfs.Dirent, *errors.Errno) {
	if i.kind != vfs.EntryDir {
		return nil, errors.ENOTDIR
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	if after >= len(i.entryOrder) {
		return nil, nil
	}

	var out []vfs.Dirent
	used := 0
	for _, name := range i.entryOrder[after:] {
		e, ok := i.entries.Get(dirEntry{name: name})
		if !ok {
			continue
		}
		size := vfs.DirentSize(name)
		if used+size > bufSize {
			if used == 0 {
				return nil, errors.EINVAL
			}
			break
		}
		out = append(out, vfs.Dirent{Inode: e.inode.ino, Type: e.inode.kind, Name: name})
		used += size
	}
	return out, nil
}

// Rename implements spec.md §4.4's rename semantics: if the destination
// exists it is removed first (refusing a non-empty directory destination
// with ENOTEMPTY), then the entry is relinked under the new name.
func Rename(srcDir *Inode, srcName string, dstDir *Inode, dstName string) *errors.Errno {
	srcDir.mu.Lock()
	e, ok := srcDir.entries.Get(dirEntry{name: srcName})
	srcDir.mu.Unlock()
	if !ok {
		return errors.ENOENT
	}

	if dstDir.kind != vfs.EntryDir {
		return errors.ENOTDIR
	}

	if _, lookupErr := dstDir.GetEntry(dstName); lookupErr == nil {
		if e.inode.kind == vfs.EntryDir {
			if err := dstDir.Rmdir(dstName); err != nil {
				return err
			}
		} else if err := dstDir.Unlink(dstName); err != nil {
			return err
		}
	}

	if err := dstDir.Link(dstName, e.inode); err != nil {
		// Matches spec.md §4.4's documented rare failure mode: the
		// destination has already been removed and re-linking failed
		// (here only EEXIST, if dstName was re-created in between); this
		// is left as-is rather than rolled back.
		return err
	}

	srcDir.mu.Lock()
	srcDir.entries.Delete(dirEntry{name: srcName})
	srcDir.removeFromOrderLocked(srcName)
	srcDir.mu.Unlock()
	return nil
}
