// Package pmm contains code that manages physical memory frame allocations
// and the per-frame reference counts that back CoW and shared mappings.
package pmm

import (
	"math"

	"github.com/tilck-go/tilck/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)

	// ZeroFrame is the shared, never-freed physical frame every hole and
	// every read-only zero mapping resolves to (spec.md §3, "the zero-page
	// PF is shared and never freed"). Frame 0 is never handed out by the
	// allocator for any other purpose.
	ZeroFrame = Frame(0)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the (simulated) physical memory address of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}
