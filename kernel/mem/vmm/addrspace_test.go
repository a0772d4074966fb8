package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
)

// fakeAllocator is a minimal FrameAllocator for testing the address-space
// logic in isolation from the bitmap allocator's real mmap-backed pool.
type fakeAllocator struct {
	next    pmm.Frame
	refs    map[pmm.Frame]uint32
	pages   map[pmm.Frame][]byte
	physLim pmm.Frame
	outOfMemory bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		next:    1,
		refs:    make(map[pmm.Frame]uint32),
		pages:   make(map[pmm.Frame][]byte),
		physLim: pmm.Frame(1 << 20),
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
	delete(f.refs, frame)
	delete(f.pages, frame)
}

func (f *fakeAllocator) RefInc(frame pmm.Frame) {
	f.refs[frame]++
}

func (f *fakeAllocator) RefDec(frame pmm.Frame) uint32 {
	if f.refs[frame] > 0 {
		f.refs[frame]--
	}
	return f.refs[frame]
}

func (f *fakeAllocator) RefGet(frame pmm.Frame) uint32 {
	return f.refs[frame]
}

func (f *fakeAllocator) Bytes(frame pmm.Frame) []byte {
	if b, ok := f.pages[frame]; ok {
		return b
	}
	b := make([]byte, mem.PageSize)
	f.pages[frame] = b
	return b
}

func (f *fakeAllocator) PhysMemLim() pmm.Frame {
	return f.physLim
}

func TestMapPageRejectsDoubleMapping(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)

	require.Nil(t, as.MapPage(0x1000, 5, FlagPresent|FlagRW))
	require.Equal(t, errors.EADDRINUSE, as.MapPage(0x1000, 9, FlagPresent|FlagRW))

	frame, flags, ok := as.Translate(0x1000)
	require.True(t, ok)
	require.EqualValues(t, 5, frame)
	require.True(t, flags&FlagRW != 0)
}

func TestMapZeroPageDowngradesRW(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)

	require.Nil(t, as.MapZeroPage(0x2000, FlagRW|FlagUser))

	frame, flags, ok := as.Translate(0x2000)
	require.True(t, ok)
	require.Equal(t, pmm.ZeroFrame, frame)
	require.True(t, flags&FlagCOWOrigRW != 0)
	require.False(t, flags&FlagRW != 0)
}

func TestUnmapPageFreesFrameAtZeroRefcount(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)

	require.Nil(t, as.MapPage(0x3000, 7, FlagPresent|FlagRW))
	require.EqualValues(t, 1, alloc.RefGet(7))

	require.Nil(t, as.UnmapPage(0x3000))
	require.EqualValues(t, 0, alloc.RefGet(7))
	_, _, ok := as.Translate(0x3000)
	require.False(t, ok)
}

func TestUnmapPagePermissiveIgnoresHoles(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)
	as.UnmapPagePermissive(0x4000) // must not panic
}

func TestUnmapUnmappedReturnsEFAULT(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)
	require.Equal(t, errors.EFAULT, as.UnmapPage(0x5000))
}

func TestCloneSharesFramesAndDowngradesRW(t *testing.T) {
	alloc := newFakeAllocator()
	parent := NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0x6000, 11, FlagPresent|FlagRW))

	child, err := parent.Clone()
	require.Nil(t, err)

	pframe, pflags, _ := parent.Translate(0x6000)
	cframe, cflags, _ := child.Translate(0x6000)

	require.Equal(t, pframe, cframe)
	require.True(t, pflags&FlagCOWOrigRW != 0, "parent RW downgraded to CoW")
	require.True(t, cflags&FlagCOWOrigRW != 0, "child mapping starts CoW too")
	require.EqualValues(t, 2, alloc.RefGet(11), "both address spaces hold a reference")
}

func TestCloneSkipsSharedMappings(t *testing.T) {
	alloc := newFakeAllocator()
	parent := NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0x7000, 13, FlagPresent|FlagRW|FlagShared))

	child, err := parent.Clone()
	require.Nil(t, err)

	_, pflags, _ := parent.Translate(0x7000)
	_, cflags, ok := child.Translate(0x7000)
	require.True(t, ok)
	require.True(t, pflags&FlagRW != 0, "shared mapping keeps RW in parent")
	require.True(t, cflags&FlagShared != 0)
}

func TestHandleCOWFaultFastPathWhenSoleOwner(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)
	require.Nil(t, as.MapPage(0x8000, 17, FlagPresent|FlagCOWOrigRW))
	require.EqualValues(t, 1, alloc.RefGet(17), "MapPage leaves the single owner's refcount at 1")

	require.Nil(t, as.HandleCOWFault(0x8000))

	frame, flags, ok := as.Translate(0x8000)
	require.True(t, ok)
	require.EqualValues(t, 17, frame, "sole owner keeps its frame")
	require.True(t, flags&FlagRW != 0)
	require.False(t, flags&FlagCOWOrigRW != 0)
}

func TestHandleCOWFaultSlowPathCopiesOnSharedFrame(t *testing.T) {
	alloc := newFakeAllocator()
	parent := NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0x9000, 19, FlagPresent|FlagRW))
	copy(alloc.Bytes(19), []byte("hello"))

	child, err := parent.Clone()
	require.Nil(t, err)

	require.Nil(t, child.HandleCOWFault(0x9000))

	childFrame, childFlags, _ := child.Translate(0x9000)
	require.NotEqual(t, pmm.Frame(19), childFrame)
	require.True(t, childFlags&FlagRW != 0)
	require.Equal(t, "hello", string(alloc.Bytes(childFrame)[:5]))
	require.Equal(t, uint32(1), alloc.RefGet(childFrame), "the newly-mapped frame must be refcounted by its one live PTE")

	parentFrame, _, _ := parent.Translate(0x9000)
	require.Equal(t, pmm.Frame(19), parentFrame, "parent keeps the original frame")
}

func TestHandleCOWFaultOnNonCOWMappingReturnsEFAULT(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)
	require.Nil(t, as.MapPage(0xa000, 23, FlagPresent|FlagRW))
	require.Equal(t, errors.EFAULT, as.HandleCOWFault(0xa000))
}

func TestMapPagesPartialSuccessStopsAtFirstCollision(t *testing.T) {
	alloc := newFakeAllocator()
	as := NewAddressSpace(alloc)
	require.Nil(t, as.MapPage(uintptr(3)*uintptr(mem.PageSize), 99, FlagPresent|FlagRW))

	mapped, err := as.MapPages(0, 1, 5, FlagPresent|FlagRW)
	require.Equal(t, errors.EADDRINUSE, err)
	require.Equal(t, 3, mapped)
}

func TestDeepCloneDuplicatesFrameContents(t *testing.T) {
	alloc := newFakeAllocator()
	parent := NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0xb000, 31, FlagPresent|FlagRW))
	copy(alloc.Bytes(31), []byte("original"))

	child, err := parent.DeepClone()
	require.Nil(t, err)

	childFrame, childFlags, ok := child.Translate(0xb000)
	require.True(t, ok)
	require.NotEqual(t, pmm.Frame(31), childFrame)
	require.True(t, childFlags&FlagRW != 0)
	require.Equal(t, "original", string(alloc.Bytes(childFrame)[:8]))

	copy(alloc.Bytes(childFrame), []byte("mutated!"))
	require.Equal(t, "original", string(alloc.Bytes(31)[:8]), "parent frame untouched")
}
