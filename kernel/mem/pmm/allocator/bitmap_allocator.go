// Package allocator implements the physical frame allocator described in
// spec.md §4.1: a bitmap of free/used frames plus a parallel refcount array
// that backs CoW and shared-page accounting.
//
// The teacher's BitmapAllocator (gopher-os) builds its pool list by walking
// the multiboot memory map and bootstraps itself via an early, non-freeing
// allocator. This module is hosted and has no bootloader, so it takes its
// RAM size and reserved ranges directly (the moral equivalent of "the union
// of AVAILABLE regions minus RESERVED regions" spec.md §4.1 describes, just
// supplied by the caller instead of parsed from a multiboot struct) and
// backs the pool with a single real mapping from golang.org/x/sys/unix
// instead of the teacher's early-allocator-provided pages, so that
// pmm.Frame.Address() based pointers are real, page-aligned memory.
package allocator

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/kfmt/early"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// FrameRange is a half-open [Start, End) range of frame numbers, used to
// describe reserved regions (kernel image, modules, ramdisk, framebuffer —
// spec.md §4.1) that must never be handed out.
type FrameRange struct {
	Start, End pmm.Frame
}

// mmapFn backs the allocator's frame pool with real memory. It is a
// package-level variable so it can be swapped out; this package's tests use
// the real mapping.
var mmapFn = func(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a single bitmap plus a parallel refcount table.
type BitmapAllocator struct {
	mu sync.Mutex

	// physMemLim is the frame one past the last frame under management;
	// ref-count operations on frames >= physMemLim are no-ops (spec.md
	// §4.1, "device memory").
	physMemLim pmm.Frame

	totalFrames    uint32
	reservedFrames uint32

	freeBitmap []uint64
	refcount   []uint32

	backing []byte
}

// New creates a BitmapAllocator managing ramSize worth of frames (rounded
// down to a page boundary), with the given ranges pre-marked reserved.
// Frame 0 (pmm.ZeroFrame) is always reserved here: it is the shared zero
// page, mapped by reference (vmm's MapZeroPage) and never handed out by
// AllocFrame.
func New(ramSize mem.Size, reserved []FrameRange) (*BitmapAllocator, *errors.Errno) {
	frameCount := uint32(ramSize >> mem.PageShift)
	if frameCount == 0 {
		return nil, errors.EINVAL
	}

	backing, err := mmapFn(int(ramSize))
	if err != nil {
		return nil, errors.ENOMEM
	}

	alloc := &BitmapAllocator{
		physMemLim:  pmm.Frame(frameCount),
		totalFrames: frameCount,
		freeBitmap:  make([]uint64, (frameCount+63)>>6),
		refcount:    make([]uint32, frameCount),
		backing:     backing,
	}

	alloc.markFrame(pmm.ZeroFrame, markReserved)
	for _, r := range reserved {
		for f := r.Start; f < r.End && f < alloc.physMemLim; f++ {
			alloc.markFrame(f, markReserved)
		}
	}

	early.Printf(
		"[pmm] frame pool: %d frames total, %d reserved\n",
		alloc.totalFrames, alloc.reservedFrames,
	)

	return alloc, nil
}

// PhysMemLim returns the first frame number outside the managed pool.
func (alloc *BitmapAllocator) PhysMemLim() pmm.Frame {
	return alloc.physMemLim
}

// Bytes returns the backing memory for frame f, sized to exactly one page.
// It is how mm/vmm reads and writes frame contents (zero-fill, CoW copy).
func (alloc *BitmapAllocator) Bytes(f pmm.Frame) []byte {
	off := uint64(f) << mem.PageShift
	return alloc.backing[off : off+uint64(mem.PageSize)]
}

func (alloc *BitmapAllocator) isSet(f pmm.Frame) bool {
	block := f >> 6
	mask := uint64(1) << (63 - (f - block<<6))
	return alloc.freeBitmap[block]&mask != 0
}

func (alloc *BitmapAllocator) markFrame(f pmm.Frame, flag markAs) {
	block := f >> 6
	mask := uint64(1) << (63 - (f - block<<6))
	switch flag {
	case markFree:
		alloc.freeBitmap[block] &^= mask
		alloc.reservedFrames--
	case markReserved:
		alloc.freeBitmap[block] |= mask
		alloc.reservedFrames++
	}
}

// AllocFrame returns the first unused frame or errors.ENOMEM if the pool is
// exhausted. The frame's refcount starts at 0 (spec.md §3: "a freshly
// allocated PF has refcount 0 until first mapping installs it").
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *errors.Errno) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	for block := range alloc.freeBitmap {
		if alloc.freeBitmap[block] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			frame := pmm.Frame(block<<6 + bit)
			if frame >= alloc.physMemLim {
				return pmm.InvalidFrame, errors.ENOMEM
			}
			if !alloc.isSet(frame) {
				alloc.markFrame(frame, markReserved)
				alloc.refcount[frame] = 0
				return frame, nil
			}
		}
	}

	return pmm.InvalidFrame, errors.ENOMEM
}

// FreeFrame returns a frame to the pool. Callers must have already driven
// its refcount to zero; FreeFrame does not look at the refcount itself so
// that it can also be used to release frames that were never refcounted
// (e.g. allocator bootstrap failures).
func (alloc *BitmapAllocator) FreeFrame(f pmm.Frame) {
	if f == pmm.ZeroFrame || f >= alloc.physMemLim {
		return
	}

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if !alloc.isSet(f) {
		return
	}
	alloc.markFrame(f, markFree)
	alloc.refcount[f] = 0
}

// RefInc increments f's reference count. No-op for addresses >= PhysMemLim
// (device memory, spec.md §4.1).
func (alloc *BitmapAllocator) RefInc(f pmm.Frame) {
	if f >= alloc.physMemLim {
		return
	}
	alloc.mu.Lock()
	alloc.refcount[f]++
	alloc.mu.Unlock()
}

// RefDec decrements f's reference count and returns the new value. No-op
// (returning 0) for addresses >= PhysMemLim. Callers are expected to free
// the frame themselves once the count reaches zero (mm/vmm does this for
// every unmap path so the zero-page special case stays local to that
// decision point, per spec.md §4.2).
func (alloc *BitmapAllocator) RefDec(f pmm.Frame) uint32 {
	if f >= alloc.physMemLim {
		return 0
	}
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	if alloc.refcount[f] > 0 {
		alloc.refcount[f]--
	}
	return alloc.refcount[f]
}

// RefGet returns f's current reference count.
func (alloc *BitmapAllocator) RefGet(f pmm.Frame) uint32 {
	if f >= alloc.physMemLim {
		return 0
	}
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return alloc.refcount[f]
}

// FreeFrames reports the number of currently unallocated frames.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return alloc.totalFrames - alloc.reservedFrames
}
