package ramfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
	"github.com/tilck-go/tilck/kernel/vfs"
)

// fakeAllocator is a minimal FrameAllocator, independent of the bitmap
// allocator's real mmap-backed pool, so these tests exercise ramfs's block
// bookkeeping rather than the allocator itself. It also implements the
// larger vmm.FrameAllocator surface so the same fake can back a real
// vmm.AddressSpace in the mmap/fault-handling tests.
type fakeAllocator struct {
	next        pmm.Frame
	pages       map[pmm.Frame][]byte
	freed       map[pmm.Frame]bool
	refs        map[pmm.Frame]uint32
	outOfMemory bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		next:  1,
		pages: make(map[pmm.Frame][]byte),
		freed: make(map[pmm.Frame]bool),
		refs:  make(map[pmm.Frame]uint32),
	}
}

func (f *fakeAllocator) AllocFrame() (pmm.Frame, *errors.Errno) {
	if f.outOfMemory {
		return pmm.InvalidFrame, errors.ENOMEM
	}
	frame := f.next
	f.next++
	f.pages[frame] = make([]byte, mem.PageSize)
	return frame, nil
}

func (f *fakeAllocator) FreeFrame(frame pmm.Frame) {
	f.freed[frame] = true
	delete(f.pages, frame)
}

func (f *fakeAllocator) Bytes(frame pmm.Frame) []byte {
	if b, ok := f.pages[frame]; ok {
		return b
	}
	b := make([]byte, mem.PageSize)
	f.pages[frame] = b
	return b
}

func (f *fakeAllocator) RefInc(frame pmm.Frame) { f.refs[frame]++ }

func (f *fakeAllocator) RefDec(frame pmm.Frame) uint32 {
	if f.refs[frame] > 0 {
		f.refs[frame]--
	}
	return f.refs[frame]
}

func (f *fakeAllocator) RefGet(frame pmm.Frame) uint32 { return f.refs[frame] }

func (f *fakeAllocator) PhysMemLim() pmm.Frame { return pmm.Frame(1 << 20) }

func fixedTime(t *testing.T) func() {
	old := timeNow
	now := time.Date(2026, time.July, 30, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	return func() { timeNow = old }
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	f := NewFile(alloc)

	n, err := f.Write(0, []byte("hello world"))
	require.Nil(t, err)
	require.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = f.Read(0, buf)
	require.Nil(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))
}

func TestReadHoleReturnsZeros(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	f := NewFile(alloc)

	// Write only into the second page, leaving the first page a hole.
	pageSize := int64(mem.PageSize)
	_, err := f.Write(pageSize, []byte("x"))
	require.Nil(t, err)

	buf := make([]byte, pageSize)
	n, err := f.Read(0, buf)
	require.Nil(t, err)
	require.Equal(t, int(pageSize), n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestWriteSpanningPagesAllocatesEachBlock(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	f := NewFile(alloc)

	pageSize := int(mem.PageSize)
	data := make([]byte, pageSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := f.Write(0, data)
	require.Nil(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, 2, f.blocks.Len())

	readBack := make([]byte, len(data))
	n, err = f.Read(0, readBack)
	require.Nil(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, readBack)
}

func TestWriteOutOfFramesReturnsENOSPC(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	alloc.outOfMemory = true
	f := NewFile(alloc)

	n, err := f.Write(0, []byte("x"))
	require.Equal(t, 0, n)
	require.Equal(t, errors.ENOSPC, err)
}

func TestUnlinkDestroysInodeOnlyWhenRefcountZero(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	file := NewFile(alloc)
	require.Nil(t, dir.Link("a", file))

	_, err := file.Write(0, []byte("data"))
	require.Nil(t, err)
	var frame pmm.Frame
	file.blocks.Ascend(func(b block) bool {
		frame = b.frame
		return false
	})

	file.RefInc() // simulate an open handle still referencing the file
	require.Nil(t, dir.Unlink("a"))
	require.False(t, alloc.freed[frame], "frame must stay alive while a handle still references the inode")

	file.RefDec()
	file.freeBlocks()
	require.True(t, alloc.freed[frame])
}

func TestUnlinkRefusesDirectories(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	sub, err := dir.Mkdir("sub")
	require.Nil(t, err)
	require.NotNil(t, sub)

	require.Equal(t, errors.EISDIR, dir.Unlink("sub"))
}

func TestRmdirRefusesNonEmpty(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	root := NewDir(alloc, nil)
	sub, err := root.Mkdir("sub")
	require.Nil(t, err)
	subDir := sub.(*Inode)
	require.Nil(t, subDir.Link("child", NewFile(alloc)))

	require.Equal(t, errors.ENOTEMPTY, root.Rmdir("sub"))

	require.Nil(t, subDir.Unlink("child"))
	require.Nil(t, root.Rmdir("sub"))
}

func TestGetDentsOrderingAndShortBuffer(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	require.Nil(t, dir.Link("b", NewFile(alloc)))
	require.Nil(t, dir.Link("a", NewFile(alloc)))
	require.Nil(t, dir.Link("c", NewFile(alloc)))

	ents, err := dir.GetDents(0, 4096)
	require.Nil(t, err)
	require.Len(t, ents, 3)
	require.Equal(t, []string{"b", "a", "c"}, []string{ents[0].Name, ents[1].Name, ents[2].Name})

	rest, err := dir.GetDents(2, 4096)
	require.Nil(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "c", rest[0].Name)

	none, err := dir.GetDents(3, 4096)
	require.Nil(t, err)
	require.Empty(t, none)

	firstOnly, err := dir.GetDents(0, vfs.DirentSize("b"))
	require.Nil(t, err)
	require.Len(t, firstOnly, 1)
	require.Equal(t, "b", firstOnly[0].Name)

	_, err = dir.GetDents(0, vfs.DirentSize("b")-1)
	require.Equal(t, errors.EINVAL, err)
}

func TestGetDentsAdjustsAfterConcurrentUnlink(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	require.Nil(t, dir.Link("a", NewFile(alloc)))
	require.Nil(t, dir.Link("b", NewFile(alloc)))
	require.Nil(t, dir.Link("c", NewFile(alloc)))

	h, err := vfs.Open(&vfs.Filesystem{Root: dir}, dir, ".", vfs.ORDONLY, nil)
	require.Nil(t, err)

	oneEntryBuf := vfs.DirentSize("a")

	first, err := h.GetDents(oneEntryBuf)
	require.Nil(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "a", first[0].Name)

	require.Nil(t, dir.Unlink("b"))

	rest, err := h.GetDents(4096)
	require.Nil(t, err)
	names := make([]string, len(rest))
	for i, e := range rest {
		names[i] = e.Name
	}
	require.Equal(t, []string{"c"}, names)
}

// TestGetDentsAdjustsAfterUnlinkOfAlreadyReadEntry covers spec.md §8
// scenario 6 precisely: the entry removed is the one the handle already read
// (before its current dpos), not the one it's about to read next. Without
// DirHandleTracker adjusting dpos, the following read would wrongly skip the
// next unread entry ("b") instead of returning it.
func TestGetDentsAdjustsAfterUnlinkOfAlreadyReadEntry(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	require.Nil(t, dir.Link("a", NewFile(alloc)))
	require.Nil(t, dir.Link("b", NewFile(alloc)))
	require.Nil(t, dir.Link("c", NewFile(alloc)))

	h, err := vfs.Open(&vfs.Filesystem{Root: dir}, dir, ".", vfs.ORDONLY, nil)
	require.Nil(t, err)

	oneEntryBuf := vfs.DirentSize("a")

	first, err := h.GetDents(oneEntryBuf)
	require.Nil(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "a", first[0].Name)

	// "a" has already been read and is no longer in entryOrder's unread
	// tail; removing it must shift this handle's dpos back by one so the
	// next read still lands on "b", not "c".
	require.Nil(t, dir.Unlink("a"))

	rest, err := h.GetDents(4096)
	require.Nil(t, err)
	names := make([]string, len(rest))
	for i, e := range rest {
		names[i] = e.Name
	}
	require.Equal(t, []string{"b", "c"}, names)
}

func TestRenameRemovesExistingDestinationFirst(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	dir := NewDir(alloc, nil)
	src := NewFile(alloc)
	dst := NewFile(alloc)
	require.Nil(t, dir.Link("src", src))
	require.Nil(t, dir.Link("dst", dst))

	require.Nil(t, Rename(dir, "src", dir, "dst"))

	got, err := dir.GetEntry("dst")
	require.Nil(t, err)
	require.Same(t, src, got)

	_, err = dir.GetEntry("src")
	require.Equal(t, errors.ENOENT, err)
}

func TestRenameRefusesNonEmptyDirDestination(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	root := NewDir(alloc, nil)
	srcDir, _ := root.Mkdir("src")
	dstDir, _ := root.Mkdir("dst")
	require.Nil(t, dstDir.(*Inode).Link("child", NewFile(alloc)))

	require.Equal(t, errors.ENOTEMPTY, Rename(root, "src", root, "dst"))
	_, err := root.GetEntry("src")
	require.Nil(t, err, "src must remain in place when the rename is refused")
	_ = srcDir
}

func TestOpenCreateMakesNewFileViaAlloc(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	fs := NewFilesystem(alloc)
	dir := fs.Root.(*Inode)

	h, err := vfs.Open(fs, dir, "new.txt", vfs.OCREAT|vfs.OWRONLY, func() (vfs.Inode, *errors.Errno) {
		return NewFile(dir.Alloc()), nil
	})
	require.Nil(t, err)
	require.NotNil(t, h)

	n, werr := h.Write([]byte("abc"))
	require.Nil(t, werr)
	require.Equal(t, 3, n)
}

func TestOpenCreateExclFailsWhenExists(t *testing.T) {
	defer fixedTime(t)()
	alloc := newFakeAllocator()
	fs := NewFilesystem(alloc)
	dir := fs.Root.(*Inode)
	require.Nil(t, dir.Link("exists.txt", NewFile(alloc)))

	_, err := vfs.Open(fs, dir, "exists.txt", vfs.OCREAT|vfs.OEXCL, func() (vfs.Inode, *errors.Errno) {
		return NewFile(alloc), nil
	})
	require.Equal(t, errors.EEXIST, err)
}
