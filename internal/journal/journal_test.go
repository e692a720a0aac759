package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// newFakeJournalDevice builds a backing file large enough for the highest
// block number in logical, writes a descriptor(seq 5, tag->500)/data/commit
// triple at logical[1..3], and returns an opened device over it.
func newFakeJournalDevice(t *testing.T, blockSize int, logical []uint32) *device.Device {
	t.Helper()

	var maxBlock uint32
	for _, b := range logical {
		if b > maxBlock {
			maxBlock = b
		}
	}

	path := filepath.Join(t.TempDir(), "journal.img")
	require.NoError(t, os.WriteFile(path, make([]byte, int(maxBlock+1)*blockSize), 0o600))

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	descBuf := buildDescriptorBlock(t, blockSize, 5, []Tag{{FSBlock: 500, Flags: TagFlagSameUUID}})
	_, err = f.WriteAt(descBuf, int64(logical[1])*int64(blockSize))
	require.NoError(t, err)

	commitBuf := buildCommitBlock(blockSize, 5)
	_, err = f.WriteAt(commitBuf, int64(logical[3])*int64(blockSize))
	require.NoError(t, err)

	d, err := device.Open(path, uint32(blockSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func buildDescriptorBlock(t *testing.T, blockSize int, sequence uint32, tags []Tag) []byte {
	t.Helper()

	buf := make([]byte, blockSize)
	be := binary.BigEndian

	be.PutUint32(buf[0:], magic)
	be.PutUint32(buf[4:], blockTypeDescriptor)
	be.PutUint32(buf[8:], sequence)

	offset := 12
	for i, tag := range tags {
		be.PutUint32(buf[offset:], tag.FSBlock)

		flags := uint32(tag.Flags)
		if i == len(tags)-1 {
			flags |= TagFlagLastTag
		}

		be.PutUint32(buf[offset+4:], flags)
		offset += 8

		if flags&TagFlagSameUUID == 0 {
			offset += 16
		}
	}

	return buf
}

func buildCommitBlock(blockSize int, sequence uint32) []byte {
	buf := make([]byte, blockSize)
	be := binary.BigEndian

	be.PutUint32(buf[0:], magic)
	be.PutUint32(buf[4:], blockTypeCommit)
	be.PutUint32(buf[8:], sequence)

	return buf
}

func buildRevokeBlock(blockSize int, sequence uint32, blocks []uint32) []byte {
	buf := make([]byte, blockSize)
	be := binary.BigEndian

	be.PutUint32(buf[0:], magic)
	be.PutUint32(buf[4:], blockTypeRevoke)
	be.PutUint32(buf[8:], sequence)
	be.PutUint32(buf[12:], uint32(16+4*len(blocks)))

	offset := 16
	for _, b := range blocks {
		be.PutUint32(buf[offset:], b)
		offset += 4
	}

	return buf
}

func TestParseDescriptor_SingleTagSameUUID(t *testing.T) {
	buf := buildDescriptorBlock(t, 1024, 7, []Tag{
		{FSBlock: 200, Flags: TagFlagSameUUID},
	})

	idx := &Index{}
	logical := []uint32{5, 6, 7} // cursor 0 is the descriptor itself; data at logical[1]
	desc, consumed := idx.parseDescriptor(buf, 5, 7, logical, 0)

	require.Equal(t, KindDescriptor, desc.Kind)
	require.Equal(t, uint32(7), desc.Sequence)
	require.Len(t, desc.Tags, 1)
	require.Equal(t, uint32(200), desc.Tags[0].FSBlock)
	require.Equal(t, uint32(6), desc.Tags[0].DataFSBlock)
	require.Equal(t, uint32(2), consumed) // 1 descriptor block + 1 data block
}

func TestParseDescriptor_MultipleTagsWithUUIDPadding(t *testing.T) {
	buf := buildDescriptorBlock(t, 1024, 3, []Tag{
		{FSBlock: 10, Flags: 0}, // has its own UUID: +16 bytes
		{FSBlock: 11, Flags: TagFlagSameUUID},
	})

	idx := &Index{}
	logical := []uint32{0, 1, 2}
	desc, consumed := idx.parseDescriptor(buf, 0, 3, logical, 0)

	require.Len(t, desc.Tags, 2)
	require.Equal(t, uint32(10), desc.Tags[0].FSBlock)
	require.Equal(t, uint32(1), desc.Tags[0].DataFSBlock)
	require.Equal(t, uint32(11), desc.Tags[1].FSBlock)
	require.Equal(t, uint32(2), desc.Tags[1].DataFSBlock)
	require.Equal(t, uint32(3), consumed)
}

func TestParseRevoke(t *testing.T) {
	buf := buildRevokeBlock(1024, 9, []uint32{100, 200, 300})

	idx := &Index{}
	desc := idx.parseRevoke(buf, 42, 9)

	require.Equal(t, KindRevoke, desc.Kind)
	require.Equal(t, []uint32{100, 200, 300}, desc.RevokedBlocks)
}

func TestDecodeJournalSuperblock(t *testing.T) {
	buf := make([]byte, rawJournalSuperblockSize)
	be := binary.BigEndian

	be.PutUint32(buf[0:], magic)
	be.PutUint32(buf[4:], blockTypeSuperblockV2)
	be.PutUint32(buf[8:], 1)
	be.PutUint32(buf[12:], 1024)
	be.PutUint32(buf[16:], 50)
	be.PutUint32(buf[20:], 1)

	jsb, err := decodeJournalSuperblock(buf)

	require.NoError(t, err)
	require.Equal(t, uint32(1024), jsb.BlockSize)
	require.Equal(t, uint32(50), jsb.MaxLen)
	require.Equal(t, uint32(1), jsb.First)
}

func TestDecodeJournalSuperblock_BadMagic(t *testing.T) {
	buf := make([]byte, rawJournalSuperblockSize)

	_, err := decodeJournalSuperblock(buf)

	require.Error(t, err)
}

func TestScan_DescriptorThenCommit(t *testing.T) {
	blockSize := 1024
	geo := &geometry.Geometry{BlockSize: uint32(blockSize), InodeSize: 128, InodesPerGroup: 32, BlocksPerGroup: 256}
	gds := []geometry.GroupDescriptor{{InodeTableStart: 1000}}

	// Logical journal layout: [0]=superblock(unused here), [1]=descriptor,
	// [2]=data copy of FS block 500, [3]=commit.
	logical := []uint32{900, 901, 902, 903}

	idx := &Index{
		IsJournalBlock:           map[uint32]bool{},
		IsIndirectInJournal:      map[uint32]bool{},
		BlockToDescriptors:       map[uint32][]*Descriptor{},
		JournalBlockToDescriptor: map[uint32]*Descriptor{},
		SequenceToTransaction:    map[uint32]*Transaction{},
		BlockToDirInode:          map[uint32]uint32{},
		DirInodeToBlocks:         map[uint32]map[uint32]bool{},
		geo:                      geo,
		gds:                      gds,
		d:                        newFakeJournalDevice(t, blockSize, logical),
	}

	jsb := &rawJournalSuperblock{MaxLen: uint32(len(logical)), First: 1}

	require.NoError(t, idx.scan(logical, jsb))

	require.Len(t, idx.SequenceToTransaction, 1)

	txn := idx.SequenceToTransaction[5]
	require.NotNil(t, txn)
	require.True(t, txn.Committed)
	require.Len(t, txn.Descriptors, 1)
	require.Contains(t, idx.BlockToDescriptors, uint32(500))
}
