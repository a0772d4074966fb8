package sched

import (
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/vfs"
)

// MappedRegion pairs a registered user_mapping with the FaultHandler that
// resolves faults against it (spec.md §3, §4.2). vfs.FaultHandler's
// signature has no address-space parameter (the vfs layer never names vmm
// directly, spec.md §4.4), so the handler closing over both an inode and its
// owning address space lives on this pairing rather than inside
// *vfs.UserMapping itself.
type MappedRegion struct {
	UM      *vfs.UserMapping
	Handler vfs.FaultHandler
}

// AddMapping registers a live user mapping against p's page-fault dispatch
// (spec.md §3, "list of user VMAs"; an mmap syscall handler calls this once
// it has installed um's initial PTEs).
func (p *Process) AddMapping(um *vfs.UserMapping, handler vfs.FaultHandler) {
	p.Mappings = append(p.Mappings, MappedRegion{UM: um, Handler: handler})
}

// RemoveMapping unregisters um, for munmap.
func (p *Process) RemoveMapping(um *vfs.UserMapping) {
	for i, m := range p.Mappings {
		if m.UM == um {
			p.Mappings = append(p.Mappings[:i], p.Mappings[i+1:]...)
			return
		}
	}
}

// mappingFor returns the registered mapping covering vaddr, if any.
func (p *Process) mappingFor(vaddr uintptr) (MappedRegion, bool) {
	for _, m := range p.Mappings {
		if m.UM.Contains(vaddr) {
			return m, true
		}
	}
	return MappedRegion{}, false
}

// PageFault implements spec.md §4.2's three-step user-mode page-fault
// dispatch:
//
//  1. Try the CoW path (AddressSpace.HandleCOWFault). A nil error resolves
//     the fault in place; errors.EFAULT means vaddr simply isn't a CoW
//     mapping, so dispatch falls through; any other error is a CoW
//     allocation failure, which kills the faulting user-mode task outright
//     (spec.md §4.2: "there is no OOM killer on this path").
//  2. If vaddr falls inside one of the task's registered user mappings,
//     hand off to that mapping's FaultHandler (vfs.HandleFault).
//  3. Otherwise queue a signal: SIGBUS if a mapping covers vaddr but
//     declined the fault (e.g. past EOF, or the access isn't permitted),
//     SIGSEGV if no mapping covers vaddr at all (spec.md §4.2 step 3).
//
// Kernel-mode faults are the caller's responsibility: spec.md §4.2 treats
// those as fatal and panics before ever reaching PageFault, which only
// implements the user-mode half of the dispatch.
func (t *Task) PageFault(vaddr uintptr, present, write bool) {
	switch cowErr := t.Proc.AddressSpace.HandleCOWFault(vaddr); cowErr {
	case nil:
		return
	case errors.EFAULT:
		// Not a CoW mapping at all; try the VFS-backed path below.
	default:
		QueueSignal(t, SIGKILL, true)
		return
	}

	if m, ok := t.Proc.mappingFor(vaddr); ok {
		if vfs.HandleFault(m.UM, m.Handler, vaddr, present, write) {
			return
		}
		QueueSignal(t, SIGBUS, true)
		return
	}

	QueueSignal(t, SIGSEGV, true)
}
