// Package vmm implements the two-level virtual memory mapping described in
// spec.md §4.2: page directories and tables as Go structs rather than raw
// memory walked through CR3 (there is no CR3 in a hosted process), copy-on-
// write fork, and the fault-handling entry points callers drive from a
// higher-level page-fault dispatcher.
package vmm

import (
	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/kfmt/early"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
)

// Init creates the kernel's own, initially empty, address space. It maps
// nothing: the shared zero frame is reserved by the frame allocator and only
// appears in an address space once MapZeroPage installs it.
func Init(alloc FrameAllocator) (*AddressSpace, *errors.Errno) {
	as := NewAddressSpace(alloc)

	early.Printf("[vmm] address space initialized, zero frame = %d\n", pmm.ZeroFrame)
	kernel.Log.WithFields(map[string]interface{}{
		"subsystem":  "vmm",
		"zero_frame": uint64(pmm.ZeroFrame),
	}).Info("address space initialized")
	return as, nil
}
