package geometry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ext3grep/ext3grep-go/internal/device"
)

// rawGroupDesc mirrors the 32-byte struct ext2_group_desc on disk. Field
// layout matches the teacher's groupDesc32 (pilat-go-ext4fs/types.go);
// ext3grep-go only ever reads the three block-number fields it names in §3.
type rawGroupDesc struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksCountLo uint16
	FreeInodesCountLo uint16
	UsedDirsCountLo   uint16
	Flags             uint16
	Reserved          [12]byte
}

const rawGroupDescSize = 32

// GroupDescriptor is the decoded, read-only view of one block group's
// metadata pointers (§3).
type GroupDescriptor struct {
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableStart  uint32
}

// ReadGroupDescriptors reads the group descriptor table, which occupies the
// block(s) immediately following the superblock's block (§4.2).
func ReadGroupDescriptors(d *device.Device, g *Geometry) ([]GroupDescriptor, error) {
	sbBlock := SuperblockOffset / int64(g.BlockSize)
	gdtBlock := uint32(sbBlock) + 1

	tableSize := int(g.Groups) * rawGroupDescSize
	blocksNeeded := (tableSize + int(g.BlockSize) - 1) / int(g.BlockSize)

	raw := make([]byte, 0, blocksNeeded*int(g.BlockSize))
	for i := 0; i < blocksNeeded; i++ {
		blk, err := d.ReadBlock(gdtBlock + uint32(i))
		if err != nil {
			return nil, fmt.Errorf("geometry: reading group descriptor table block %d: %w", gdtBlock+uint32(i), err)
		}

		raw = append(raw, blk...)
	}

	descs := make([]GroupDescriptor, g.Groups)
	r := bytes.NewReader(raw)

	for i := uint32(0); i < g.Groups; i++ {
		var rd rawGroupDesc
		if err := binary.Read(r, binary.LittleEndian, &rd); err != nil {
			return nil, fmt.Errorf("geometry: decoding group descriptor %d: %w", i, err)
		}

		descs[i] = GroupDescriptor{
			BlockBitmapBlock: rd.BlockBitmapLo,
			InodeBitmapBlock: rd.InodeBitmapLo,
			InodeTableStart:  rd.InodeTableLo,
		}
	}

	return descs, nil
}
