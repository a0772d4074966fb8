package vfs

import "github.com/tilck-go/tilck/kernel/errors"

// Prot mirrors the protection flags a user_mapping carries (spec.md §3).
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// FaultHandler is the subset of fs_ops a filesystem must provide to back
// mmap'd regions of its files (spec.md §4.4, vfs_handle_fault). ramfs is the
// only filesystem in this module that implements it. fat32 has no fault
// handler and no mmap path at all: Open never marks a handle on a read-only
// filesystem MmapSupported, so Mmap refuses every fat32 handle with EINVAL,
// whether or not its image is page-aligned.
type FaultHandler interface {
	HandleFault(um *UserMapping, vaddr uintptr, present, write bool) bool
}

// UserMapping is a mapping of a file region into a process's address space
// (spec.md §3). It is registered on the inode's mapping list while live and
// consulted by the page-fault dispatcher in kernel/sched ((*Task).PageFault)
// to route faults
// back to the owning filesystem.
type UserMapping struct {
	Vaddr      uintptr
	Length     uintptr
	FileOffset int64
	Prot       Prot
	Handle     *Handle
}

// Contains reports whether vaddr falls within this mapping's range.
func (um *UserMapping) Contains(vaddr uintptr) bool {
	return vaddr >= um.Vaddr && vaddr < um.Vaddr+um.Length
}

// PermitsAccess reports whether a fault of the given kind is allowed by
// this mapping's protection flags.
func (um *UserMapping) PermitsAccess(write bool) bool {
	if write {
		return um.Prot&ProtWrite != 0
	}
	return um.Prot&ProtRead != 0
}

// Mmap installs um by delegating to the handle's filesystem-specific
// mapping setup (ramfs installs SHARED PTEs for existing blocks and leaves
// holes unmapped, per spec.md §4.4).
func Mmap(um *UserMapping, install func(*UserMapping) *errors.Errno) *errors.Errno {
	if um.Handle.Spec&MmapSupported == 0 {
		return errors.EINVAL
	}
	return install(um)
}

// HandleFault routes a page fault on um's range to the owning filesystem's
// FaultHandler, returning false (-> SIGBUS/SIGSEGV, per spec.md §4.2 step 3)
// if the fault is out of range, not permitted, or the filesystem has no
// fault handler at all.
func HandleFault(um *UserMapping, fh FaultHandler, vaddr uintptr, present, write bool) bool {
	if !um.Contains(vaddr) || !um.PermitsAccess(write) {
		return false
	}
	if fh == nil {
		return false
	}
	return fh.HandleFault(um, vaddr, present, write)
}
