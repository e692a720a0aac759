// Package bitmap provides lazily-loaded, read-only access to the per-group
// block and inode allocation bitmaps.
package bitmap

import (
	"fmt"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// Reader answers allocation queries against the bitmaps of one filesystem,
// loading each group's two bitmap blocks the first time they are needed.
// Bit layout follows ext*'s convention: byte-wise low to high, within-byte
// LSB-first (§3, S1).
type Reader struct {
	d    *device.Device
	geo  *geometry.Geometry
	gds  []geometry.GroupDescriptor

	blockBitmaps []*bitset // one per group, nil until loaded
	inodeBitmaps []*bitset
}

type bitset []byte

// NewReader constructs a Reader over the given device, geometry, and group
// descriptor table. No bitmap blocks are read until first queried.
func NewReader(d *device.Device, geo *geometry.Geometry, gds []geometry.GroupDescriptor) *Reader {
	return &Reader{
		d:            d,
		geo:          geo,
		gds:          gds,
		blockBitmaps: make([]*bitset, len(gds)),
		inodeBitmaps: make([]*bitset, len(gds)),
	}
}

// bitMask returns the (byte index, bit mask) for bit n within a bitmap
// block, per the byte-wise-low-to-high / within-byte-LSB-first convention
// (S1: bit 13 -> byte index 1, mask 0x20).
func bitMask(n uint32) (index uint32, mask byte) {
	return n / 8, 1 << (n % 8)
}

func testBit(bm *bitset, n uint32) bool {
	idx, mask := bitMask(n)
	if int(idx) >= len(*bm) {
		return false
	}

	return (*bm)[idx]&mask != 0
}

func (r *Reader) loadGroupBlockBitmap(group uint32) (*bitset, error) {
	if r.blockBitmaps[group] != nil {
		return r.blockBitmaps[group], nil
	}

	blk, err := r.d.ReadBlock(r.gds[group].BlockBitmapBlock)
	if err != nil {
		return nil, fmt.Errorf("bitmap: reading block bitmap for group %d: %w", group, err)
	}

	bs := bitset(blk)
	r.blockBitmaps[group] = &bs

	return &bs, nil
}

func (r *Reader) loadGroupInodeBitmap(group uint32) (*bitset, error) {
	if r.inodeBitmaps[group] != nil {
		return r.inodeBitmaps[group], nil
	}

	blk, err := r.d.ReadBlock(r.gds[group].InodeBitmapBlock)
	if err != nil {
		return nil, fmt.Errorf("bitmap: reading inode bitmap for group %d: %w", group, err)
	}

	bs := bitset(blk)
	r.inodeBitmaps[group] = &bs

	return &bs, nil
}

// IsBlockAllocated reports whether block b is marked used in its group's
// block bitmap.
func (r *Reader) IsBlockAllocated(b uint32) (bool, error) {
	group := r.geo.BlockGroup(b)
	if int(group) >= len(r.gds) {
		return false, fmt.Errorf("bitmap: block %d group %d out of range", b, group)
	}

	bm, err := r.loadGroupBlockBitmap(group)
	if err != nil {
		return false, err
	}

	indexInGroup := b % r.geo.BlocksPerGroup

	return testBit(bm, indexInGroup), nil
}

// IsInodeAllocated reports whether inode i is marked used in its group's
// inode bitmap. Inode numbers are 1-based; bit N of the group's bitmap
// corresponds to inode (N + group*inodes_per_group + 1).
func (r *Reader) IsInodeAllocated(i uint32) (bool, error) {
	group := r.geo.InodeGroup(i)
	if int(group) >= len(r.gds) {
		return false, fmt.Errorf("bitmap: inode %d group %d out of range", i, group)
	}

	bm, err := r.loadGroupInodeBitmap(group)
	if err != nil {
		return false, err
	}

	return testBit(bm, r.geo.InodeIndexInGroup(i)), nil
}
