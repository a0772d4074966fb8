package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
	"github.com/tilck-go/tilck/kernel/mem/vmm"
	"github.com/tilck-go/tilck/kernel/vfs"
	"github.com/tilck-go/tilck/kernel/vfs/ramfs"
)

// pageFaultFakeAllocator satisfies both vmm.FrameAllocator and
// ramfs.FrameAllocator, so a single fake pool can back an *vmm.AddressSpace
// and the ramfs inodes mapped into it in the same test, exercising the real
// C2<->C4 fault-handling path together rather than each in isolation.
type pageFaultFakeAllocator struct {
	next  pmm.Frame
	pages map[pmm.Frame][]byte
	refs  map[pmm.Frame]uint32
	oom   bool
}

func newPageFaultFakeAllocator() *pageFaultFakeAllocator {
	return &pageFaultFakeAllocator{
		next:  1,
		pages: make(map[pmm.Frame][]byte),
		refs:  make(map[pmm.Frame]uint32),
	}
}

func (a *pageFaultFakeAllocator) AllocFrame() (pmm.Frame, *errors.Errno) {
	if a.oom {
		return pmm.InvalidFrame, errors.ENOMEM
	}
	f := a.next
	a.next++
	a.pages[f] = make([]byte, mem.PageSize)
	return f, nil
}

func (a *pageFaultFakeAllocator) FreeFrame(f pmm.Frame) {
	delete(a.pages, f)
	delete(a.refs, f)
}

func (a *pageFaultFakeAllocator) RefInc(f pmm.Frame) { a.refs[f]++ }

func (a *pageFaultFakeAllocator) RefDec(f pmm.Frame) uint32 {
	if a.refs[f] > 0 {
		a.refs[f]--
	}
	return a.refs[f]
}

func (a *pageFaultFakeAllocator) RefGet(f pmm.Frame) uint32 { return a.refs[f] }

func (a *pageFaultFakeAllocator) Bytes(f pmm.Frame) []byte { return a.pages[f] }

func (a *pageFaultFakeAllocator) PhysMemLim() pmm.Frame { return pmm.Frame(1 << 20) }

func newPageFaultTask(t *testing.T, as *vmm.AddressSpace) *Task {
	t.Helper()
	proc := &Process{PID: 1, PGID: 1, SID: 1, AddressSpace: as}
	task := &Task{TID: 1, Proc: proc, State: TaskStateRunning, IsMainThread: true}
	proc.Tasks = append(proc.Tasks, task)
	return task
}

// TestPageFaultResolvesCOWInPlace exercises dispatch step 1: a fork-style
// clone leaves both parent and child pages FlagCOWOrigRW; faulting on the
// parent (the sole remaining owner, refcount 1) must restore RW without
// touching the VFS path or queuing any signal (spec.md §4.2).
func TestPageFaultResolvesCOWInPlace(t *testing.T) {
	alloc := newPageFaultFakeAllocator()
	parent := vmm.NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0x1000, 0, vmm.FlagPresent|vmm.FlagRW|vmm.FlagDoAlloc))

	child, err := parent.Clone()
	require.Nil(t, err)
	child.Destroy() // drop the child's share; parent's frame refcount is back to 1

	task := newPageFaultTask(t, parent)
	task.PageFault(0x1000, true, true)

	require.Empty(t, task.PendingSignals)
	_, flags, ok := parent.Translate(0x1000)
	require.True(t, ok)
	require.True(t, flags&vmm.FlagRW != 0)
	require.True(t, flags&vmm.FlagCOWOrigRW == 0)
}

// TestPageFaultCOWAllocFailureKillsTask exercises dispatch step 1's failure
// mode: a CoW copy that can't allocate a replacement frame kills the
// faulting user-mode task outright (spec.md §4.2, "there is no OOM killer on
// this path").
func TestPageFaultCOWAllocFailureKillsTask(t *testing.T) {
	alloc := newPageFaultFakeAllocator()
	parent := vmm.NewAddressSpace(alloc)
	require.Nil(t, parent.MapPage(0x1000, 0, vmm.FlagPresent|vmm.FlagRW|vmm.FlagDoAlloc))

	child, err := parent.Clone()
	require.Nil(t, err)
	_ = child

	task := newPageFaultTask(t, parent)
	alloc.oom = true
	task.PageFault(0x1000, true, true)

	require.Len(t, task.PendingSignals, 1)
	require.Equal(t, SIGKILL, task.PendingSignals[0].Num)
	require.True(t, task.PendingSignals[0].FaultFlag)
}

// TestPageFaultFallsThroughToRegisteredMapping exercises dispatch step 2:
// vaddr isn't a CoW mapping at all (EFAULT from HandleCOWFault), but it does
// fall inside a registered ramfs user_mapping, so the fault resolves via
// vfs.HandleFault/ramfs.FaultAdapter without any signal.
func TestPageFaultFallsThroughToRegisteredMapping(t *testing.T) {
	alloc := newPageFaultFakeAllocator()
	as := vmm.NewAddressSpace(alloc)
	task := newPageFaultTask(t, as)

	file := ramfs.NewFile(alloc)
	_, werr := file.Write(2*int64(mem.PageSize), []byte("x")) // grow size past a hole page
	require.Nil(t, werr)

	um := &vfs.UserMapping{Vaddr: 0x400000, Length: uintptr(mem.PageSize), FileOffset: 0, Prot: vfs.ProtRead | vfs.ProtWrite}
	adapter := &ramfs.FaultAdapter{Inode: file, AS: as}
	task.Proc.AddMapping(um, adapter)

	task.PageFault(0x400000, false, true)

	require.Empty(t, task.PendingSignals)
	frame, flags, ok := as.Translate(0x400000)
	require.True(t, ok)
	require.NotEqual(t, pmm.ZeroFrame, frame)
	require.True(t, flags&vmm.FlagRW != 0)
}

// TestPageFaultNoMappingQueuesSIGSEGV and
// TestPageFaultMappingPastEOFQueuesSIGBUS exercise dispatch step 3: nothing
// resolves the fault, so the appropriate signal is queued.
func TestPageFaultNoMappingQueuesSIGSEGV(t *testing.T) {
	alloc := newPageFaultFakeAllocator()
	as := vmm.NewAddressSpace(alloc)
	task := newPageFaultTask(t, as)

	task.PageFault(0x500000, false, false)

	require.Len(t, task.PendingSignals, 1)
	require.Equal(t, SIGSEGV, task.PendingSignals[0].Num)
	require.True(t, task.PendingSignals[0].FaultFlag)
}

func TestPageFaultMappingPastEOFQueuesSIGBUS(t *testing.T) {
	alloc := newPageFaultFakeAllocator()
	as := vmm.NewAddressSpace(alloc)
	task := newPageFaultTask(t, as)

	file := ramfs.NewFile(alloc)
	_, werr := file.Write(0, []byte("x"))
	require.Nil(t, werr)

	um := &vfs.UserMapping{Vaddr: 0x400000, Length: uintptr(mem.PageSize), FileOffset: 0, Prot: vfs.ProtRead}
	adapter := &ramfs.FaultAdapter{Inode: file, AS: as}
	task.Proc.AddMapping(um, adapter)

	task.PageFault(0x400000+uintptr(mem.PageSize)-1, false, false)

	require.Len(t, task.PendingSignals, 1)
	require.Equal(t, SIGBUS, task.PendingSignals[0].Num)
}
