package vmm

import "github.com/tilck-go/tilck/kernel/mem/pmm"

// PageTableEntryFlag describes the software and hardware-meaning bits
// tracked against a mapped page (spec.md §4.2). Flags above FlagNoExecute
// have no x86 hardware counterpart; they are bookkeeping bits an AddressSpace
// needs to decide how to service a page fault.
type PageTableEntryFlag uint64

const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUser
	FlagGlobal
	FlagNoExecute

	// FlagCOWOrigRW marks a page that was originally mapped RW but is
	// currently read-only so that a write can be intercepted and handled as
	// copy-on-write (spec.md §4.2). Mutually exclusive with FlagShared.
	FlagCOWOrigRW

	// FlagShared marks a page that is intentionally shared between address
	// spaces (e.g. fork() without CoW, shared mmap). A write fault on a
	// FlagShared page is never resolved by copying. Mutually exclusive with
	// FlagCOWOrigRW.
	FlagShared

	// FlagDoAlloc tells MapPage/MapPages to allocate a fresh frame rather
	// than use the frame argument supplied by the caller.
	FlagDoAlloc

	// FlagZeroPage tells MapPage to map pmm.ZeroFrame instead of allocating,
	// downgrading any requested RW to FlagCOWOrigRW (spec.md §4.2, "reads
	// from a hole return zero, the first write allocates").
	FlagZeroPage

	// FlagBigPagesAllowed permits MapPages to install a single 4MiB mapping
	// in place of 1024 page mappings when vaddr, the backing frame and the
	// run length all fall on a 4MiB boundary. Never set for user mappings
	// (spec.md §4.2, big pages are a kernel-range-only optimization).
	FlagBigPagesAllowed
)

// pageTableEntry is the in-memory stand-in for a hardware PTE. The teacher
// (gopher-os) represents this as a raw uintptr overlaying a real page-table
// page reachable through CR3; there is no CR3 in a hosted process, so the
// entry is a plain struct instead, addressed through pageTable.entries.
type pageTableEntry struct {
	frame pmm.Frame
	flags PageTableEntryFlag
}

func (e pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return e.flags&flags == flags
}

func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	e.flags |= flags
}

func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	e.flags &^= flags
}

func (e pageTableEntry) Frame() pmm.Frame {
	return e.frame
}

func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	e.frame = f
}

func (e pageTableEntry) IsPresent() bool {
	return e.flags&FlagPresent != 0
}
