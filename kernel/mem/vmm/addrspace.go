package vmm

import (
	"sync"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
)

// FrameAllocator is the subset of allocator.BitmapAllocator's API the
// address-space layer needs. An interface here (rather than a concrete
// dependency on the allocator package) lets fault handling and tests swap in
// a fake pool without mapping real memory.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *errors.Errno)
	FreeFrame(f pmm.Frame)
	RefInc(f pmm.Frame)
	RefDec(f pmm.Frame) uint32
	RefGet(f pmm.Frame) uint32
	Bytes(f pmm.Frame) []byte
	PhysMemLim() pmm.Frame
}

// AddressSpace is one process's (or the kernel's) virtual-to-physical
// mapping, the hosted stand-in for a hardware page directory reachable
// through CR3 (spec.md §4.2).
type AddressSpace struct {
	mu    sync.Mutex
	dir   *PageDirectory
	alloc FrameAllocator

	// bigPages tracks 4MiB mappings installed by MapPages' big-page
	// shortcut, keyed by directory index, since a single pageTableEntry in
	// the directory itself has nowhere to record "this maps 4MiB, not 4KiB."
	bigPages map[uint32]pmm.Frame
}

// NewAddressSpace creates an empty address space backed by alloc.
func NewAddressSpace(alloc FrameAllocator) *AddressSpace {
	return &AddressSpace{
		dir:      &PageDirectory{},
		alloc:    alloc,
		bigPages: make(map[uint32]pmm.Frame),
	}
}

// MapPage installs a single 4KiB mapping at vaddr (spec.md §4.2).
//
// If flags includes FlagZeroPage, frame is ignored, pmm.ZeroFrame is mapped,
// and any requested FlagRW is downgraded to FlagCOWOrigRW so the first write
// triggers the CoW allocate-and-copy path instead of corrupting the shared
// zero page. If flags includes FlagDoAlloc, frame is ignored and a fresh
// frame is allocated instead.
//
// Mapping an already-present vaddr returns errors.EADDRINUSE without
// disturbing the existing mapping.
func (as *AddressSpace) MapPage(vaddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *errors.Errno {
	if flags&FlagCOWOrigRW != 0 && flags&FlagShared != 0 {
		return errors.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if pte, ok := as.dir.lookup(vaddr); ok && pte.IsPresent() {
		return errors.EADDRINUSE
	}

	switch {
	case flags&FlagZeroPage != 0:
		frame = pmm.ZeroFrame
		flags &^= FlagZeroPage
		if flags&FlagRW != 0 {
			flags &^= FlagRW
			flags |= FlagCOWOrigRW
		}
	case flags&FlagDoAlloc != 0:
		f, err := as.alloc.AllocFrame()
		if err != nil {
			return err
		}
		frame = f
		flags &^= FlagDoAlloc
	}

	pte := as.dir.ensure(vaddr)
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	as.alloc.RefInc(frame)
	return nil
}

// MapZeroPage is MapPage's common case: map a hole as the shared zero page,
// readable immediately and CoW-allocated on first write.
func (as *AddressSpace) MapZeroPage(vaddr uintptr, flags PageTableEntryFlag) *errors.Errno {
	return as.MapPage(vaddr, pmm.ZeroFrame, flags|FlagZeroPage)
}

// MapPages maps count consecutive pages starting at vaddr to the
// correspondingly consecutive frames starting at paddr. It returns the
// number of pages actually mapped: mapping stops (without unwinding what
// already succeeded) at the first vaddr that is already in use, matching the
// teacher's partial-success contract for bulk mapping calls.
//
// When flags includes FlagBigPagesAllowed and vaddr, paddr and the full 1024
// page run are all aligned to a 4MiB boundary, a single big-page mapping is
// installed instead of 1024 individual ones.
func (as *AddressSpace) MapPages(vaddr uintptr, paddr pmm.Frame, count int, flags PageTableEntryFlag) (int, *errors.Errno) {
	const bigPageRun = entriesPerTable

	bigPageAligned := tableIndex(vaddr) == 0 && uint64(paddr)%bigPageRun == 0
	if flags&FlagBigPagesAllowed != 0 && count >= bigPageRun && bigPageAligned {
		as.mu.Lock()
		idx := dirIndex(vaddr)
		if as.dir.tables[idx] == nil {
			as.bigPages[idx] = paddr
			as.dir.tables[idx] = &pageTable{}
			as.mu.Unlock()
			return bigPageRun, nil
		}
		as.mu.Unlock()
	}

	for i := 0; i < count; i++ {
		pg := vaddr + uintptr(i)*uintptr(mem.PageSize)
		frame := paddr + pmm.Frame(i)
		if err := as.MapPage(pg, frame, flags&^FlagBigPagesAllowed); err != nil {
			return i, err
		}
	}
	return count, nil
}

// UnmapPage removes the mapping at vaddr, decrementing the backing frame's
// refcount and freeing it once it drops to zero. It is an error to unmap a
// vaddr with no mapping.
func (as *AddressSpace) UnmapPage(vaddr uintptr) *errors.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, ok := as.dir.lookup(vaddr)
	if !ok || !pte.IsPresent() {
		return errors.EFAULT
	}
	as.unmapLocked(pte)
	return nil
}

// UnmapPagePermissive is UnmapPage but silently succeeds when vaddr has no
// mapping, for callers tearing down a range that may be sparsely populated
// (holes included, spec.md §4.2).
func (as *AddressSpace) UnmapPagePermissive(vaddr uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, ok := as.dir.lookup(vaddr)
	if !ok || !pte.IsPresent() {
		return
	}
	as.unmapLocked(pte)
}

func (as *AddressSpace) unmapLocked(pte *pageTableEntry) {
	frame := pte.Frame()
	pte.ClearFlags(pte.flags)
	pte.SetFrame(pmm.InvalidFrame)
	if frame == pmm.ZeroFrame {
		return
	}
	if as.alloc.RefDec(frame) == 0 {
		as.alloc.FreeFrame(frame)
	}
}

// Destroy tears down every mapping in the address space: each present PTE's
// backing frame has its refcount decremented through the same unmapLocked
// path UnmapPage uses, and any frame that reaches zero is returned to the
// allocator (spec.md §3, "destroyed on process teardown" — the other half of
// the clone/destroy round trip spec.md §8 names, "pdir_clone -> write-fault
// on every page -> pdir_destroy leaves all PF refcounts at their pre-clone
// values"). Calling Destroy more than once is safe but pointless: the second
// call walks an already-empty directory.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, table := range as.dir.tables {
		if table == nil {
			continue
		}
		for i := range table.entries {
			pte := &table.entries[i]
			if pte.IsPresent() {
				as.unmapLocked(pte)
			}
		}
	}
	as.dir = &PageDirectory{}
	as.bigPages = make(map[uint32]pmm.Frame)

	kernel.Log.WithField("subsystem", "vmm").Debug("address space destroyed")
}

// Clone produces a copy-on-write child address space: every present mapping
// is duplicated into the child directory pointing at the SAME physical
// frame, RW mappings are downgraded to FlagCOWOrigRW in both parent and
// child, and the refcount of every frame that is neither FlagShared nor the
// zero frame is bumped once for the child (spec.md §4.2 steps 1-4).
// FlagShared mappings are copied as they are. Clone allocates no frames and
// has no failure path: the returned error is always nil, and there is no
// rollback.
func (as *AddressSpace) Clone() (*AddressSpace, *errors.Errno) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AddressSpace{
		dir:      as.dir.clone(),
		alloc:    as.alloc,
		bigPages: make(map[uint32]pmm.Frame, len(as.bigPages)),
	}
	for idx, frame := range as.bigPages {
		child.bigPages[idx] = frame
	}

	// Child tables are independent struct copies (pagetable.clone), so the
	// RW->CoW downgrade below has to be applied to both the parent's and
	// the child's entry explicitly; only one refcount bump per frame is
	// needed, since the frame gains exactly one new owner (the child).
	for dirIdx, table := range as.dir.tables {
		if table == nil {
			continue
		}
		childTable := child.dir.tables[dirIdx]
		for i := range table.entries {
			pte := &table.entries[i]
			if !pte.IsPresent() || pte.flags&FlagShared != 0 {
				continue
			}
			childPte := &childTable.entries[i]
			if pte.flags&FlagRW != 0 {
				pte.ClearFlags(FlagRW)
				pte.SetFlags(FlagCOWOrigRW)
				childPte.ClearFlags(FlagRW)
				childPte.SetFlags(FlagCOWOrigRW)
			}
			if pte.Frame() != pmm.ZeroFrame {
				as.alloc.RefInc(pte.Frame())
			}
		}
	}

	return child, nil
}

// DeepClone produces a child address space with its own private copy of
// every mapped frame: no sharing, no CoW bookkeeping. Used for callers that
// explicitly opt out of copy-on-write semantics (spec.md §4.2, "a full,
// eager duplicate is also supported for callers that need one").
func (as *AddressSpace) DeepClone() (*AddressSpace, *errors.Errno) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := NewAddressSpace(as.alloc)

	for dirIdx, table := range as.dir.tables {
		if table == nil {
			continue
		}
		for tblIdx, pte := range table.entries {
			if !pte.IsPresent() {
				continue
			}
			vaddr := uintptr(dirIdx)<<dirShift | uintptr(tblIdx)<<tableShift

			if pte.Frame() == pmm.ZeroFrame {
				if err := child.MapPage(vaddr, pmm.ZeroFrame, pte.flags); err != nil {
					return nil, err
				}
				continue
			}

			newFrame, err := as.alloc.AllocFrame()
			if err != nil {
				return nil, err
			}
			copy(as.alloc.Bytes(newFrame), as.alloc.Bytes(pte.Frame()))

			flags := pte.flags
			flags &^= FlagCOWOrigRW
			if pte.flags&FlagShared == 0 {
				flags |= FlagRW
			}
			if err := child.MapPage(vaddr, newFrame, flags); err != nil {
				return nil, err
			}
		}
	}

	return child, nil
}

// HandleCOWFault resolves a write fault on a FlagCOWOrigRW page (spec.md
// §4.2). If the frame's refcount is 1 (this address space is the only
// owner), the fast path just restores RW in place. Otherwise it allocates a
// new frame, copies the old contents into it, remaps vaddr onto the new
// frame with RW restored, and drops the old frame's refcount.
//
// Returns errors.EFAULT if vaddr has no CoW mapping (the caller should then
// treat this as a genuine segmentation violation rather than retry).
func (as *AddressSpace) HandleCOWFault(vaddr uintptr) *errors.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, ok := as.dir.lookup(vaddr)
	if !ok || !pte.IsPresent() || pte.flags&FlagCOWOrigRW == 0 {
		return errors.EFAULT
	}

	oldFrame := pte.Frame()

	if oldFrame == pmm.ZeroFrame || as.alloc.RefGet(oldFrame) > 1 {
		newFrame, err := as.alloc.AllocFrame()
		if err != nil {
			kernel.Log.WithFields(map[string]interface{}{
				"subsystem": "vmm",
				"vaddr":     vaddr,
			}).Error("cow fault: allocation failed")
			return err
		}
		copy(as.alloc.Bytes(newFrame), as.alloc.Bytes(oldFrame))

		pte.SetFrame(newFrame)
		pte.ClearFlags(FlagCOWOrigRW)
		pte.SetFlags(FlagRW)
		as.alloc.RefInc(newFrame)

		if oldFrame != pmm.ZeroFrame && as.alloc.RefDec(oldFrame) == 0 {
			as.alloc.FreeFrame(oldFrame)
		}
		kernel.Log.WithFields(map[string]interface{}{
			"subsystem": "vmm",
			"vaddr":     vaddr,
		}).Debug("cow fault: copied to a new frame")
		return nil
	}

	pte.ClearFlags(FlagCOWOrigRW)
	pte.SetFlags(FlagRW)
	return nil
}

// Translate reports the frame and flags currently mapped at vaddr, for
// callers (ramfs mmap fault dispatch, debugging) that need a read-only view
// of the mapping without triggering fault handling.
func (as *AddressSpace) Translate(vaddr uintptr) (pmm.Frame, PageTableEntryFlag, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, ok := as.dir.lookup(vaddr)
	if !ok || !pte.IsPresent() {
		return pmm.InvalidFrame, 0, false
	}
	return pte.Frame(), pte.flags, true
}
