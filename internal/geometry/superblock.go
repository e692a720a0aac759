// Package geometry parses the ext3 superblock and group descriptor table and
// exposes the derived geometry constants the rest of the reconstruction
// engine is built on.
package geometry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ext3grep/ext3grep-go/internal/device"
)

const (
	// SuperblockOffset is the fixed byte offset of the primary superblock.
	SuperblockOffset = 1024

	magicExt = 0xEF53

	creatorOSLinux = 0
)

// ErrUnsupportedFilesystem is returned when the device does not hold a
// filesystem this engine can reconstruct: bad magic, a non-Linux creator OS,
// or an external (device-resident, not inode-resident) journal.
var ErrUnsupportedFilesystem = errors.New("geometry: unsupported filesystem")

// rawSuperblock mirrors struct ext2_super_block / ext3_super_block on disk.
// Field layout follows the teacher's ext4 superblock struct up through the
// fields ext2/ext3 and ext4 share; it ends at JnlBlocks, and the ext4-only
// extensions (64-bit counts, checksums, encryption) are not decoded since
// ext3grep-go never acts on them (§1 Non-goals: no 64-bit block numbers).
type rawSuperblock struct {
	InodesCount       uint32
	BlocksCountLo     uint32
	RBlocksCountLo    uint32
	FreeBlocksCountLo uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	MTime             uint32
	WTime             uint32
	MntCount          uint16
	MaxMntCount       uint16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstInode        uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	LastMounted       [64]byte
	AlgorithmUsageBmp uint32
	PreallocBlocks    uint8
	PreallocDirBlocks uint8
	ReservedGDTBlocks uint16
	JournalUUID       [16]byte
	JournalInum       uint32
	JournalDev        uint32
	LastOrphan        uint32
	HashSeed          [4]uint32
	DefHashVersion    uint8
	JnlBackupType     uint8
	DescSize          uint16
	DefaultMountOpts  uint32
	FirstMetaBg       uint32
	MkfsTime          uint32
	JnlBlocks         [17]uint32
}

const rawSuperblockSize = 1024

const (
	featureIncompatRecover      = 0x0004
	featureIncompatJournalDev   = 0x0008
	featureCompatHasJournal     = 0x0004
	featureIncompatExtents      = 0x0040
	featureIncompat64bit        = 0x0080
	featureIncompatMetaBG       = 0x0010
	featureROCompatHugeFile     = 0x0008
	featureROCompatGDTCsum      = 0x0010
)

// Geometry holds the parsed superblock plus the derived constants the rest
// of the engine consults. It is built once and never mutated (§5).
type Geometry struct {
	raw rawSuperblock

	BlockSize      uint32
	InodeCount     uint32
	BlockCount     uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeSize      uint16
	FirstDataBlock uint32
	JournalInum    uint32
	Groups         uint32
}

// Parse reads the primary superblock at SuperblockOffset off d and validates
// it against §4.2's fatal-initialization rules.
func Parse(d *device.Device) (*Geometry, error) {
	buf := make([]byte, rawSuperblockSize)
	if err := d.ReadAt(buf, SuperblockOffset); err != nil {
		return nil, fmt.Errorf("geometry: reading superblock: %w", err)
	}

	var sb rawSuperblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("geometry: decoding superblock: %w", err)
	}

	if sb.Magic != magicExt {
		return nil, fmt.Errorf("%w: bad magic 0x%04X", ErrUnsupportedFilesystem, sb.Magic)
	}

	if sb.CreatorOS != creatorOSLinux {
		return nil, fmt.Errorf("%w: creator OS %d is not Linux", ErrUnsupportedFilesystem, sb.CreatorOS)
	}

	if sb.FeatureIncompat&featureIncompatJournalDev != 0 || sb.JournalDev != 0 {
		return nil, fmt.Errorf("%w: external journal device not supported", ErrUnsupportedFilesystem)
	}

	if sb.FeatureIncompat&featureIncompatExtents != 0 {
		return nil, fmt.Errorf("%w: extent-based files not supported", ErrUnsupportedFilesystem)
	}

	if sb.FeatureIncompat&featureIncompat64bit != 0 {
		return nil, fmt.Errorf("%w: 64-bit block numbers not supported", ErrUnsupportedFilesystem)
	}

	blockSize := uint32(1024) << sb.LogBlockSize
	if blockSize < 1024 || blockSize > 4096 {
		return nil, fmt.Errorf("%w: implausible block size %d", ErrUnsupportedFilesystem, blockSize)
	}

	inodeSize := sb.InodeSize
	if inodeSize == 0 {
		inodeSize = 128 // rev 0 filesystems predate s_inode_size
	}

	g := &Geometry{
		raw:            sb,
		BlockSize:      blockSize,
		InodeCount:     sb.InodesCount,
		BlockCount:     sb.BlocksCountLo,
		BlocksPerGroup: sb.BlocksPerGroup,
		InodesPerGroup: sb.InodesPerGroup,
		InodeSize:      inodeSize,
		FirstDataBlock: sb.FirstDataBlock,
		JournalInum:    sb.JournalInum,
	}

	if err := g.checkInvariants(); err != nil {
		return nil, err
	}

	if g.BlocksPerGroup == 0 {
		return nil, fmt.Errorf("%w: blocks_per_group is zero", ErrUnsupportedFilesystem)
	}

	g.Groups = (g.BlockCount + g.BlocksPerGroup - 1) / g.BlocksPerGroup

	return g, nil
}

// checkInvariants enforces §3's superblock invariants.
func (g *Geometry) checkInvariants() error {
	if g.raw.LogFragSize != g.raw.LogBlockSize {
		return fmt.Errorf("%w: fragment size differs from block size", ErrUnsupportedFilesystem)
	}

	if uint64(g.InodesPerGroup) > 8*uint64(g.BlockSize) {
		return fmt.Errorf("%w: inodes_per_group exceeds 8*block_size", ErrUnsupportedFilesystem)
	}

	if g.InodeSize == 0 || uint32(g.InodeSize)*g.InodesPerGroup%g.BlockSize != 0 {
		return fmt.Errorf("%w: inodes_per_group*inode_size is not a whole multiple of block_size", ErrUnsupportedFilesystem)
	}

	return nil
}

// HasJournal reports whether this filesystem carries an inode-resident
// journal (ext3/ext4 with has_journal). ext3grep-go requires this to be
// true for journal-backed recovery, but geometry parsing itself succeeds
// either way (internal/session treats journal absence as fatal unless
// SkipJournal is set).
func (g *Geometry) HasJournal() bool {
	return g.raw.FeatureCompat&featureCompatHasJournal != 0 && g.JournalInum != 0
}

// BlockOffset returns the absolute byte offset of block n.
func (g *Geometry) BlockOffset(n uint32) int64 {
	return int64(n) * int64(g.BlockSize)
}

// InodeGroup returns the zero-based group index owning inode number i.
// Inode numbers are 1-based.
func (g *Geometry) InodeGroup(i uint32) uint32 {
	return (i - 1) / g.InodesPerGroup
}

// InodeIndexInGroup returns i's zero-based offset within its group's inode table.
func (g *Geometry) InodeIndexInGroup(i uint32) uint32 {
	return (i - 1) % g.InodesPerGroup
}

// BlockGroup returns the zero-based group index containing block b.
func (g *Geometry) BlockGroup(b uint32) uint32 {
	return b / g.BlocksPerGroup
}
