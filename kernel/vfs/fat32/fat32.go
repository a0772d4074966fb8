// Package fat32 implements spec.md §4.4's read-only FAT32 adapter: a BPB
// parser, FAT chain walker, and the asymmetric short-name
// (case-insensitive)/long-name (case-sensitive) lookup the original
// implementation deliberately keeps so a FAT32 image behaves enough like a
// Unix filesystem to serve as a boot volume.
package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/vfs"
)

const (
	dirEntrySize  = 32
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryFree        = 0xE5
	entryNoMoreEntry = 0x00

	clusterEndOfChainMin = 0x0FFFFFF8
	clusterBad           = 0x0FFFFFF7
)

// bpb is the subset of the BIOS Parameter Block spec.md §4.4 needs: enough
// to compute cluster offsets and walk the FAT chain. Field names follow the
// FAT32 specification's own naming, same as the original implementation
// does for the same reason: it makes cross-referencing the spec trivial.
type bpb struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	FATSz32    uint32
	RootClus   uint32
}

func parseBPB(image []byte) (bpb, *errors.Errno) {
	if len(image) < 90 {
		return bpb{}, errors.EINVAL
	}
	b := bpb{
		BytsPerSec: binary.LittleEndian.Uint16(image[11:13]),
		SecPerClus: image[13],
		RsvdSecCnt: binary.LittleEndian.Uint16(image[14:16]),
		NumFATs:    image[16],
		FATSz32:    binary.LittleEndian.Uint32(image[36:40]),
		RootClus:   binary.LittleEndian.Uint32(image[44:48]),
	}
	if b.BytsPerSec == 0 || b.SecPerClus == 0 || b.NumFATs == 0 {
		return bpb{}, errors.EINVAL
	}
	return b, nil
}

// Filesystem is a mounted, read-only FAT32 volume backed by a byte slice
// image held entirely in memory (spec.md §4.4's ramdisk model).
type Filesystem struct {
	image []byte
	hdr   bpb

	fatOffset    uint32
	clusterSize  uint32
	firstDataSec uint32
	pageAligned  bool
}

// Mount parses image's BPB and returns a read-only *vfs.Filesystem rooted at
// the volume's root directory.
func Mount(image []byte, imagePageAligned bool) (*vfs.Filesystem, *errors.Errno) {
	hdr, err := parseBPB(image)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		image:       image,
		hdr:         hdr,
		clusterSize: uint32(hdr.BytsPerSec) * uint32(hdr.SecPerClus),
		pageAligned: imagePageAligned,
	}
	fs.fatOffset = uint32(hdr.RsvdSecCnt) * uint32(hdr.BytsPerSec)

	rootDirSectors := uint32(0) // FAT32 has no fixed root directory region
	fatAreaSize := uint32(hdr.NumFATs) * hdr.FATSz32
	fs.firstDataSec = uint32(hdr.RsvdSecCnt) + fatAreaSize + rootDirSectors

	root := &Inode{fs: fs, kind: vfs.EntryDir, firstCluster: hdr.RootClus}
	return &vfs.Filesystem{Root: root, ReadOnly: true}, nil
}

func (fs *Filesystem) sectorForCluster(cluster uint32) uint32 {
	return (cluster-2)*uint32(fs.hdr.SecPerClus) + fs.firstDataSec
}

func (fs *Filesystem) clusterData(cluster uint32) []byte {
	off := fs.sectorForCluster(cluster) * uint32(fs.hdr.BytsPerSec)
	return fs.image[off : off+fs.clusterSize]
}

// nextCluster follows the FAT chain, returning (0, false) at end-of-chain.
func (fs *Filesystem) nextCluster(cluster uint32) (uint32, bool) {
	entryOff := fs.fatOffset + cluster*4
	val := binary.LittleEndian.Uint32(fs.image[entryOff:entryOff+4]) & 0x0FFFFFFF
	if val >= clusterEndOfChainMin || val == clusterBad {
		return 0, false
	}
	return val, true
}

// dirent is one parsed 8.3 directory entry (spec.md §3).
type dirent struct {
	shortName    string
	longName     string // "" if this entry never carried a preceding LFN run
	attr         uint8
	firstCluster uint32
	fileSize     uint32
}

func shortNameChecksum(raw []byte) uint8 {
	var sum uint8
	for _, c := range raw[:11] {
		if sum&1 != 0 {
			sum = 0x80 + (sum >> 1) + c
		} else {
			sum = (sum >> 1) + c
		}
	}
	return sum
}

func decodeShortName(raw []byte) string {
	var b strings.Builder
	i := 0
	for i < 8 && raw[i] != ' ' {
		b.WriteByte(raw[i])
		i++
	}
	if raw[8] != ' ' {
		b.WriteByte('.')
		for i = 8; i < 11 && raw[i] != ' '; i++ {
			b.WriteByte(raw[i])
		}
	}
	return b.String()
}

// lfnChars pulls the ASCII-only UTF-16LE characters out of one long-name
// entry's three name fields (spec.md §4.4: "long filenames ASCII-only").
// ok is false the moment a non-ASCII UTF-16 code unit is seen, matching the
// original's "NON-ASCII characters are NOT supported" bail-out.
func lfnChars(raw []byte) (string, bool) {
	fields := [][2]int{{1, 11}, {14, 26}, {28, 32}}
	var b strings.Builder
	for _, f := range fields {
		for i := f[0]; i < f[1]; i += 2 {
			lo, hi := raw[i], raw[i+1]
			if hi != 0 {
				return "", false
			}
			if lo == 0 || lo == 0xFF {
				return b.String(), true
			}
			b.WriteByte(lo)
		}
	}
	return b.String(), true
}

// walkDir parses every entry in the cluster chain starting at firstCluster,
// reassembling long names from their preceding LFN runs (spec.md §4.4).
func (fs *Filesystem) walkDir(firstCluster uint32) []dirent {
	var out []dirent

	var pendingRunes []byte
	pendingChecksum := -1
	pendingValid := true

	cluster := firstCluster
	for {
		data := fs.clusterData(cluster)
		entriesPerCluster := len(data) / dirEntrySize

		for i := 0; i < entriesPerCluster; i++ {
			raw := data[i*dirEntrySize : (i+1)*dirEntrySize]
			attr := raw[11]

			if attr&attrLongName == attrLongName {
				chksum := int(raw[13])
				if pendingChecksum != chksum {
					pendingRunes = nil
					pendingChecksum = chksum
					pendingValid = true
				}
				if pendingValid {
					s, ok := lfnChars(raw)
					if !ok {
						pendingValid = false
					} else {
						// LFN entries arrive highest-ordinal first; each
						// one's characters are prepended.
						pendingRunes = append([]byte(s), pendingRunes...)
					}
				}
				continue
			}

			if raw[11]&attrVolumeID != 0 {
				continue
			}
			if raw[0] == entryNoMoreEntry {
				return out
			}
			if raw[0] == entryFree || raw[0] == '.' {
				pendingRunes, pendingChecksum, pendingValid = nil, -1, true
				continue
			}

			d := dirent{
				shortName:    decodeShortName(raw),
				attr:         attr,
				firstCluster: uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:28])),
				fileSize:     binary.LittleEndian.Uint32(raw[28:32]),
			}
			if len(pendingRunes) > 0 && pendingValid && int(shortNameChecksum(raw)) == pendingChecksum {
				d.longName = string(pendingRunes)
			}
			pendingRunes, pendingChecksum, pendingValid = nil, -1, true
			out = append(out, d)
		}

		next, ok := fs.nextCluster(cluster)
		if !ok {
			break
		}
		cluster = next
	}
	return out
}

// matchesName implements spec.md §4.4's intentional asymmetry: a long name
// (when present) is matched case-sensitively; a bare short name is matched
// case-insensitively.
func (d dirent) matchesName(name string) bool {
	if d.longName != "" {
		return d.longName == name
	}
	return strings.EqualFold(d.shortName, name)
}

func (d dirent) displayName() string {
	if d.longName != "" {
		return d.longName
	}
	return d.shortName
}

// Inode is fat32's read-only vfs.Inode implementation.
type Inode struct {
	fs           *Filesystem
	kind         vfs.EntryType
	firstCluster uint32
	fileSize     uint32
	parent       *Inode // directory this inode was looked up from; nil for the root
}

func (i *Inode) Type() vfs.EntryType { return i.kind }
func (i *Inode) Size() int64         { return int64(i.fileSize) }

func (i *Inode) Lock()    {}
func (i *Inode) Unlock()  {}
func (i *Inode) RLock()   {}
func (i *Inode) RUnlock() {}
func (i *Inode) RefInc()  {}
func (i *Inode) RefDec() int32 { return 0 }

// Read implements the cluster-chain walk spec.md §4.4 names for FAT32 file
// reads: each cluster contributes whichever of (cluster remainder, buffer
// remainder, file remainder) is smallest before following the chain.
func (i *Inode) Read(pos int64, p []byte) (int, *errors.Errno) {
	if i.kind != vfs.EntryFile {
		return 0, errors.EISDIR
	}
	fsize := int64(i.fileSize)
	if pos >= fsize {
		return 0, nil
	}

	clusterSize := int64(i.fs.clusterSize)
	cluster := i.firstCluster
	skip := pos / clusterSize
	for n := int64(0); n < skip; n++ {
		next, ok := i.fs.nextCluster(cluster)
		if !ok {
			return 0, nil
		}
		cluster = next
	}

	written := 0
	posInCluster := pos % clusterSize
	for written < len(p) {
		data := i.fs.clusterData(cluster)

		fileRem := fsize - pos
		bufRem := int64(len(p) - written)
		clusterRem := clusterSize - posInCluster
		toRead := clusterRem
		if bufRem < toRead {
			toRead = bufRem
		}
		if fileRem < toRead {
			toRead = fileRem
		}
		if toRead <= 0 {
			break
		}

		copy(p[written:written+int(toRead)], data[posInCluster:posInCluster+toRead])
		written += int(toRead)
		pos += toRead

		if toRead < clusterRem {
			break
		}

		next, ok := i.fs.nextCluster(cluster)
		if !ok {
			break
		}
		cluster = next
		posInCluster = 0
	}
	return written, nil
}

func (i *Inode) Write(pos int64, p []byte) (int, *errors.Errno) { return 0, errors.EROFS }

// GetEntry resolves name against the directory's entries, applying the
// short-name/long-name matching asymmetry.
func (i *Inode) GetEntry(name string) (vfs.Inode, *errors.Errno) {
	if i.kind != vfs.EntryDir {
		return nil, errors.ENOTDIR
	}
	if name == "." {
		return i, nil
	}
	if name == ".." {
		// Root has no parent and returns itself; the mount-tree layer
		// redirects ".." at the mount root before reaching here (spec.md §4.4).
		if i.parent != nil {
			return i.parent, nil
		}
		return i, nil
	}

	for _, d := range i.fs.walkDir(i.firstCluster) {
		if d.matchesName(name) {
			kind := vfs.EntryFile
			if d.attr&attrDirectory != 0 {
				kind = vfs.EntryDir
			}
			return &Inode{fs: i.fs, kind: kind, firstCluster: d.firstCluster, fileSize: d.fileSize, parent: i}, nil
		}
	}
	return nil, errors.ENOENT
}

func (i *Inode) Link(name string, target vfs.Inode) *errors.Errno { return errors.EROFS }
func (i *Inode) Unlink(name string) *errors.Errno                 { return errors.EROFS }
func (i *Inode) Mkdir(name string) (vfs.Inode, *errors.Errno)     { return nil, errors.EROFS }
func (i *Inode) Rmdir(name string) *errors.Errno                  { return errors.EROFS }

// GetDents lists a directory's entries; long names win over short names
// wherever both exist, as a directory listing should read the way a user
// created the file (spec.md §4.4). bufSize caps the serialized byte count
// the same way ramfs.Inode.GetDents enforces it: EINVAL if the very first
// remaining entry can't fit, otherwise whatever already fit.
func (i *Inode) GetDents(after int, bufSize int) ([]vfs.Dirent, *errors.Errno) {
	if i.kind != vfs.EntryDir {
		return nil, errors.ENOTDIR
	}
	ents := i.fs.walkDir(i.firstCluster)
	if after >= len(ents) {
		return nil, nil
	}

	out := make([]vfs.Dirent, 0, len(ents)-after)
	used := 0
	for idx, d := range ents[after:] {
		name := d.displayName()
		size := vfs.DirentSize(name)
		if used+size > bufSize {
			if used == 0 {
				return nil, errors.EINVAL
			}
			break
		}
		kind := vfs.EntryFile
		if d.attr&attrDirectory != 0 {
			kind = vfs.EntryDir
		}
		out = append(out, vfs.Dirent{Inode: int64(after + idx + 1), Type: kind, Name: name})
		used += size
	}
	return out, nil
}

// MmapSupported reports whether the caller declared the volume's backing
// image page-aligned at Mount (the slice's bytes are necessarily
// contiguous). Nothing in this module consults it: vfs.Open never sets
// vfs.MmapSupported on a handle of a read-only filesystem, and fat32 has no
// Mmap or fault handler, so no fat32 file can be mmapped.
func (fs *Filesystem) MmapSupported() bool {
	return fs.pageAligned
}
