// Package inode provides read-only access to the on-disk inode table and
// decodes individual inode records.
package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// Mode bits, the subset ext3grep-go needs to classify a file type.
const (
	ModeFmt    = 0xF000
	ModeFIFO   = 0x1000
	ModeChr    = 0x2000
	ModeDir    = 0x4000
	ModeBlk    = 0x6000
	ModeReg    = 0x8000
	ModeLink   = 0xA000
	ModeSocket = 0xC000
)

// NumDirectBlocks, IndirectIndex, etc. index the 15 block-pointer slots (§3).
const (
	NumDirectBlocks = 12
	IndirectIndex   = 12
	DIndirectIndex  = 13
	TIndirectIndex  = 14
	NumBlockSlots   = 15

	// InlineSymlinkMaxLen is the largest symlink target that fits in the
	// 60-byte block-pointer area instead of a data block (§3, §9).
	InlineSymlinkMaxLen = 60
)

// rawInode mirrors struct ext3_inode on disk. The 15 block-pointer slots are
// kept as a raw uint32 array (unlike the teacher's ext4 extent-header
// reinterpretation of the same bytes) since ext3 has no extents (Non-goal).
type rawInode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32 // 512-byte sectors
	Flags      uint32
	Reserved1  uint32
	Block      [NumBlockSlots]uint32
	Generation uint32
	FileACL    uint32
	SizeHi     uint32 // dir_acl for non-regular files
	FragAddr   uint32
	Reserved2  [3]uint32
}

const rawInodeSize = 128

// View is a read-only decoded inode record.
type View struct {
	Number     uint32
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	BlocksLo   uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	LinksCount uint16
	Block      [NumBlockSlots]uint32
	Flags      uint32

	inlineSymlink []byte // raw Block area as bytes, for symlink target decode
}

// FileType classifies the mode nibble.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
	TypeSymlink
)

// Type returns the inode's file-type classification from its mode.
func (v *View) Type() FileType {
	switch v.Mode & ModeFmt {
	case ModeReg:
		return TypeRegular
	case ModeDir:
		return TypeDirectory
	case ModeChr:
		return TypeCharDevice
	case ModeBlk:
		return TypeBlockDevice
	case ModeFIFO:
		return TypeFIFO
	case ModeSocket:
		return TypeSocket
	case ModeLink:
		return TypeSymlink
	default:
		return TypeUnknown
	}
}

// IsDeleted reports whether the inode's dtime marks it deleted (§3: "a
// deleted inode is one with non-zero dtime").
func (v *View) IsDeleted() bool {
	return v.Dtime != 0
}

// IsDirectory reports whether the mode nibble is S_IFDIR.
func (v *View) IsDirectory() bool {
	return v.Type() == TypeDirectory
}

// IsSymlink reports whether the mode nibble is S_IFLNK.
func (v *View) IsSymlink() bool {
	return v.Type() == TypeSymlink
}

// HasInlineSymlinkTarget reports whether this symlink stores its target in
// the block-pointer area rather than a data block. §9: this is a property
// of the inode (blocks == 0), checked before ever consulting the walker.
func (v *View) HasInlineSymlinkTarget() bool {
	return v.IsSymlink() && v.BlocksLo == 0
}

// InlineSymlinkTarget returns the symlink target stored in the block-pointer
// area, valid only when HasInlineSymlinkTarget is true.
func (v *View) InlineSymlinkTarget() string {
	n := v.Size
	if n > InlineSymlinkMaxLen {
		n = InlineSymlinkMaxLen
	}

	if int(n) > len(v.inlineSymlink) {
		n = uint64(len(v.inlineSymlink))
	}

	return string(v.inlineSymlink[:n])
}

// DirectBlock returns the i'th direct block pointer (0..11).
func (v *View) DirectBlock(i int) uint32 {
	return v.Block[i]
}

// IndirectBlock, DIndirectBlock, TIndirectBlock return the single/double/
// triple indirect pointer slots.
func (v *View) IndirectBlock() uint32  { return v.Block[IndirectIndex] }
func (v *View) DIndirectBlock() uint32 { return v.Block[DIndirectIndex] }
func (v *View) TIndirectBlock() uint32 { return v.Block[TIndirectIndex] }

// Table provides per-inode-number access to the on-disk inode table.
type Table struct {
	d   *device.Device
	geo *geometry.Geometry
	gds []geometry.GroupDescriptor
}

// NewTable constructs an inode Table. gds must be the group descriptor
// table geometry.ReadGroupDescriptors returned for geo.
func NewTable(d *device.Device, geo *geometry.Geometry, gds []geometry.GroupDescriptor) *Table {
	return &Table{d: d, geo: geo, gds: gds}
}

// inodeOffset returns the absolute byte offset of inode i's record.
func (t *Table) inodeOffset(i uint32) int64 {
	group := t.geo.InodeGroup(i)
	idx := t.geo.InodeIndexInGroup(i)
	start := t.gds[group].InodeTableStart

	return t.geo.BlockOffset(start) + int64(idx)*int64(t.geo.InodeSize)
}

// Get reads and decodes inode number i.
func (t *Table) Get(i uint32) (*View, error) {
	if i < 1 || i > t.geo.InodeCount {
		return nil, fmt.Errorf("inode: number %d out of range [1,%d]", i, t.geo.InodeCount)
	}

	buf := make([]byte, t.geo.InodeSize)
	if err := t.d.ReadAt(buf, t.inodeOffset(i)); err != nil {
		return nil, fmt.Errorf("inode: reading inode %d: %w", i, err)
	}

	return decode(i, buf)
}

// GetFromBytes decodes an inode record already in memory, used by
// internal/journal to inspect historical inode copies embedded in journal
// descriptor data blocks without a second device read.
func GetFromBytes(number uint32, buf []byte) (*View, error) {
	return decode(number, buf)
}

func decode(number uint32, buf []byte) (*View, error) {
	if len(buf) < rawInodeSize {
		return nil, fmt.Errorf("inode: record too short (%d bytes)", len(buf))
	}

	var raw rawInode
	if err := binary.Read(bytes.NewReader(buf[:rawInodeSize]), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("inode: decoding inode %d: %w", number, err)
	}

	inlineArea := make([]byte, len(raw.Block)*4)
	for i, p := range raw.Block {
		binary.LittleEndian.PutUint32(inlineArea[i*4:], p)
	}

	return &View{
		Number:        number,
		Mode:          raw.Mode,
		UID:           uint32(raw.UID),
		GID:           uint32(raw.GID),
		Size:          uint64(raw.SizeLo),
		BlocksLo:      raw.BlocksLo,
		Atime:         raw.Atime,
		Ctime:         raw.Ctime,
		Mtime:         raw.Mtime,
		Dtime:         raw.Dtime,
		LinksCount:    raw.LinksCount,
		Block:         raw.Block,
		Flags:         raw.Flags,
		inlineSymlink: inlineArea,
	}, nil
}
