// Package vfs implements the filesystem-agnostic path/handle layer
// described in spec.md §4.4: path resolution against a mount tree, a
// uniform fs_handle model, and the locking contract every concrete
// filesystem (ramfs, fat32) must honor.
package vfs

import (
	"strings"
	"sync"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
)

// EntryType classifies an inode (spec.md §3, vfs_inode).
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySymlink
)

// OpenFlags mirrors the O_* flags spec.md §4.4 names.
type OpenFlags int

const (
	ORDONLY OpenFlags = 1 << iota
	OWRONLY
	ORDWR
	OAPPEND
	ONONBLOCK
	OCREAT
	OEXCL
)

func (f OpenFlags) wantsWrite() bool { return f&(OWRONLY|ORDWR) != 0 }

// HandleFlags is the spec_flags bitfield spec.md §3 attaches to fs_handle.
type HandleFlags int

const (
	MmapSupported HandleFlags = 1 << iota
	NoLF
)

// Inode is the function table every concrete filesystem implements
// (spec.md §3, "operated on through a function table fs_ops"). A single
// type plays the role of both fs_ops and vfs_inode: Go interfaces don't need
// the separation the teacher's C vtable-plus-opaque-pointer split required.
type Inode interface {
	Type() EntryType
	Size() int64

	Read(pos int64, p []byte) (int, *errors.Errno)
	Write(pos int64, p []byte) (int, *errors.Errno)

	// GetEntry resolves one path component beneath this (directory) inode.
	GetEntry(name string) (Inode, *errors.Errno)
	// Link/Unlink/Rmdir mutate directory topology; implementations that
	// are read-only (fat32) return errors.EROFS.
	Link(name string, target Inode) *errors.Errno
	Unlink(name string) *errors.Errno
	Mkdir(name string) (Inode, *errors.Errno)
	Rmdir(name string) *errors.Errno

	// GetDents lists directory entries in stable insertion order starting
	// after `after` entries have already been emitted, stopping once the
	// serialized records would exceed bufSize bytes (spec.md §4.4): if the
	// very first not-yet-emitted entry doesn't fit, that's EINVAL, otherwise
	// whatever already fit is returned.
	GetDents(after int, bufSize int) ([]Dirent, *errors.Errno)

	RefInc()
	RefDec() int32

	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// Dirent is one record returned by GetDents (spec.md §4.4).
type Dirent struct {
	Inode int64
	Type  EntryType
	Name  string
}

// DirentHeaderSize is the fixed portion of a serialized dirent record
// (inode number, offset, record length, type), mirroring the teacher's
// original_source `struct linux_dirent64` minus its trailing variable-length
// name field.
const DirentHeaderSize = 19

// DirentSize is the number of bytes a Dirent named name occupies once
// serialized into a getdents buffer, used to decide how many entries fit in
// a caller-supplied buffer (spec.md §4.4).
func DirentSize(name string) int {
	return DirentHeaderSize + len(name) + 1
}

// Filesystem is the mountable unit: a root inode plus the exclusive/shared
// structural lock spec.md §4.4 requires ("fs_exlock/fs_shlock protecting the
// directory topology").
type Filesystem struct {
	Root     Inode
	ReadOnly bool

	structLock sync.RWMutex
}

func (fs *Filesystem) ExLock()   { fs.structLock.Lock() }
func (fs *Filesystem) ExUnlock() { fs.structLock.Unlock() }
func (fs *Filesystem) ShLock()   { fs.structLock.RLock() }
func (fs *Filesystem) ShUnlock() { fs.structLock.RUnlock() }

// Mount describes one mounted filesystem at a path prefix.
type Mount struct {
	Prefix string
	FS     *Filesystem
}

// MountTree resolves paths against an ordered list of mounts, longest
// prefix wins (spec.md §4.4).
type MountTree struct {
	mu     sync.RWMutex
	mounts []Mount
}

func NewMountTree() *MountTree {
	return &MountTree{}
}

// Mount registers fs at prefix. Prefix must start with "/".
func (mt *MountTree) Mount(prefix string, fs *Filesystem) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.mounts = append(mt.mounts, Mount{Prefix: prefix, FS: fs})
}

func (mt *MountTree) resolveMount(path string) (Mount, string) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	best := Mount{Prefix: "/"}
	for _, m := range mt.mounts {
		if strings.HasPrefix(path, m.Prefix) && len(m.Prefix) >= len(best.Prefix) {
			best = m
		}
	}
	rel := strings.TrimPrefix(path, best.Prefix)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel
}

// Resolve walks path component by component starting from the owning
// mount's root, honoring "." and ".." at the mount root redirecting to the
// mount root inode (spec.md §4.4). The empty final component (a trailing
// slash) resolves to its parent directory.
func (mt *MountTree) Resolve(path string) (Inode, *errors.Errno) {
	mount, rel := mt.resolveMount(path)
	if mount.FS == nil {
		return nil, errors.ENOENT
	}

	current := mount.FS.Root
	if rel == "" {
		return current, nil
	}

	for _, comp := range strings.Split(rel, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." && current == mount.FS.Root {
			// Only at the mount root does ".." redirect to the mount root
			// itself (spec.md §4.4); anywhere below that it chases the
			// inode's real parent like every other component.
			continue
		}
		next, err := current.GetEntry(comp)
		if err != nil {
			kernel.Log.WithFields(map[string]interface{}{
				"subsystem": "vfs",
				"path":      path,
				"component": comp,
				"errno":     err.Num,
			}).Debug("path resolution failed")
			return nil, err
		}
		current = next
	}
	return current, nil
}
