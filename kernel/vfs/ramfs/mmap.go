package ramfs

import (
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm"
	"github.com/tilck-go/tilck/kernel/mem/vmm"
	"github.com/tilck-go/tilck/kernel/vfs"
)

// AddressSpaceInstaller is the subset of *vmm.AddressSpace that Mmap and
// HandleFault need to install page-table entries. ramfs depends on this
// narrow interface rather than *vmm.AddressSpace directly so tests can
// substitute a fake.
type AddressSpaceInstaller interface {
	MapPage(vaddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag) *errors.Errno
	UnmapPagePermissive(vaddr uintptr)
}

// Mmap installs SHARED PTEs for every block already present inside the
// mapped range; holes are left unmapped and are resolved lazily by
// HandleFault on first touch (spec.md §4.4, "ramfs mmap: installs SHARED
// PTEs for existing blocks at mmap time; holes NOT allocated at mmap time").
func (i *Inode) Mmap(as AddressSpaceInstaller, um *vfs.UserMapping) *errors.Errno {
	if i.kind != vfs.EntryFile {
		return errors.EACCES
	}

	offBegin := um.FileOffset
	offEnd := offBegin + int64(um.Length)

	pgFlags := vmm.FlagUser | vmm.FlagShared
	if um.Prot&vfs.ProtWrite != 0 {
		pgFlags |= vmm.FlagRW
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var mapped []uintptr
	var faultErr *errors.Errno
	i.blocks.Ascend(func(b block) bool {
		if b.offset < offBegin {
			return true
		}
		if b.offset >= offEnd {
			return false
		}
		target := um.Vaddr + uintptr(b.offset-offBegin)
		if err := as.MapPage(target, b.frame, pgFlags); err != nil {
			faultErr = err
			return false
		}
		mapped = append(mapped, target)
		return true
	})

	if faultErr != nil {
		for _, v := range mapped {
			as.UnmapPagePermissive(v)
		}
		return faultErr
	}
	return nil
}

// FaultAdapter binds an inode to the address space its faults should be
// resolved against, satisfying vfs.FaultHandler (whose signature has no
// room for an address space: the vfs layer is filesystem-agnostic and never
// names vmm directly).
type FaultAdapter struct {
	Inode *Inode
	AS    AddressSpaceInstaller
}

// HandleFault implements vfs.FaultHandler.
func (a *FaultAdapter) HandleFault(um *vfs.UserMapping, vaddr uintptr, present, write bool) bool {
	return a.Inode.handleFault(a.AS, um, vaddr, present, write)
}

// handleFault is ramfs's fault-resolution algorithm (spec.md §4.2 step 2,
// §4.4's ramfs_handle_fault_int): a present fault on a read-only mapping is
// never resolvable here; past-EOF is SIGBUS territory; a read fault maps
// the shared zero page; a write fault allocates and maps a fresh block
// aligned to the faulting page.
func (i *Inode) handleFault(as AddressSpaceInstaller, um *vfs.UserMapping, vaddr uintptr, present, write bool) bool {
	if present {
		// Page is present but read-only and a write was attempted: nothing
		// ramfs can legitimately do about that.
		return false
	}

	absOff := um.FileOffset + int64(vaddr-um.Vaddr)

	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	if absOff >= size {
		return false
	}

	pageOff := pageAlign(absOff)
	faultVaddr := vaddr &^ (uintptr(mem.PageSize) - 1)

	if !write {
		if err := as.MapPage(faultVaddr, pmm.ZeroFrame, vmm.FlagUser|vmm.FlagShared); err != nil {
			return false
		}
		return true
	}

	i.mu.Lock()
	b, ok := i.blocks.Get(block{offset: pageOff})
	if !ok {
		frame, err := i.alloc.AllocFrame()
		if err != nil {
			i.mu.Unlock()
			return false
		}
		b = block{offset: pageOff, frame: frame}
		i.blocks.ReplaceOrInsert(b)
	}
	i.mu.Unlock()

	if err := as.MapPage(faultVaddr, b.frame, vmm.FlagUser|vmm.FlagRW|vmm.FlagShared); err != nil {
		return false
	}
	return true
}
