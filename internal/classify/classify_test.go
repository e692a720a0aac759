package classify

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// writeEntry appends one directory entry to buf at offset, per §3's on-disk
// layout: inode(4) | rec_len(2) | name_len(1) | file_type(1) | name.
func writeEntry(buf []byte, offset int, inode uint32, recLen uint16, fileType uint8, name string) {
	binary.LittleEndian.PutUint32(buf[offset:], inode)
	binary.LittleEndian.PutUint16(buf[offset+4:], recLen)
	buf[offset+6] = byte(len(name))
	buf[offset+7] = fileType
	copy(buf[offset+direntHeaderSize:], name)
}

// buildStartBlock reproduces S2's worked example verbatim: a 4096-byte
// buffer whose first two entries are "." and ".." followed by a valid
// entry chain ending exactly at offset 4096.
func buildStartBlock() []byte {
	buf := make([]byte, 4096)
	writeEntry(buf, 0, 2, 12, FTDir, ".")
	writeEntry(buf, 12, 2, 12, FTDir, "..")
	writeEntry(buf, 24, 11, uint16(len(buf)-24), FTRegFile, "hello.txt")
	return buf
}

// S2 — Directory detection, start block.
func TestIsDirectoryBlock_S2_StartBlock(t *testing.T) {
	buf := buildStartBlock()
	require.Equal(t, Start, IsDirectoryBlock(buf, 1000, nil))
}

// S2 — Changing the first entry's name_len to 0 returns No.
func TestIsDirectoryBlock_S2_ZeroNameLenRejected(t *testing.T) {
	buf := buildStartBlock()
	buf[6] = 0 // first entry's name_len

	require.Equal(t, No, IsDirectoryBlock(buf, 1000, nil))
}

func TestParseEntries_RejectsZeroNameLenAnywhereInChain(t *testing.T) {
	buf := buildStartBlock()
	buf[24+6] = 0 // third entry's name_len

	_, ok := ParseEntries(buf, nil)
	require.False(t, ok)
}

func TestIsDirectoryBlock_ExtendedBlockWithoutDotEntries(t *testing.T) {
	buf := make([]byte, 4096)
	writeEntry(buf, 0, 55, 12, FTRegFile, "orphan.txt"[:3])
	writeEntry(buf, 12, 56, uint16(len(buf)-12), FTRegFile, "another.txt")

	require.Equal(t, Extended, IsDirectoryBlock(buf, 1000, nil))
}

func TestIsDirectoryBlock_InodeOutOfRangeIsNo(t *testing.T) {
	buf := buildStartBlock()
	binary.LittleEndian.PutUint32(buf[24:], 99999) // third entry's inode

	require.Equal(t, No, IsDirectoryBlock(buf, 1000, nil))
}

func TestIsDirectoryBlock_SingleEntrySpanningBlockIsNo(t *testing.T) {
	buf := make([]byte, 4096)
	writeEntry(buf, 0, 7, uint16(len(buf)), FTUnknown, "x")

	require.Equal(t, No, IsDirectoryBlock(buf, 1000, nil))
}

func TestParseEntries_RejectsMisalignedRecLen(t *testing.T) {
	buf := buildStartBlock()
	binary.LittleEndian.PutUint16(buf[4:], 11) // "." entry's rec_len, not a multiple of 4

	_, ok := ParseEntries(buf, nil)
	require.False(t, ok)
}

func TestIsInodeBlock_FirstInodeOfTable(t *testing.T) {
	geo := &geometry.Geometry{
		BlockSize:      1024,
		InodesPerGroup: 32,
		InodeSize:      128,
		BlocksPerGroup: 8192,
	}
	gds := []geometry.GroupDescriptor{{InodeTableStart: 5}}

	ok, first := IsInodeBlock(geo, gds, 5)
	require.True(t, ok)
	require.Equal(t, uint32(1), first)
}
