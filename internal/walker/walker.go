// Package walker implements the indirect-block walker (C6): enumeration of
// every data block an inode owns, through direct, single-, double-, and
// triple-indirect pointer trees.
package walker

import (
	"encoding/binary"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
	"github.com/ext3grep/ext3grep-go/internal/inode"
)

// Selector controls which parts of the tree are emitted. Ordinary data
// enumeration sets only IncludeDirect; IncludeIndirectMetadata is set
// additionally only when walking the journal inode, which must also see
// its own indirect blocks (§4.6, §4.7).
type Selector struct {
	IncludeDirect           bool
	IncludeIndirectMetadata bool
}

// DefaultSelector enumerates an ordinary file's data blocks only.
var DefaultSelector = Selector{IncludeDirect: true}

// JournalSelector additionally emits the journal inode's own indirect
// blocks, since the journal walker (C7) must skip them when interpreting
// journal contents (§4.7).
var JournalSelector = Selector{IncludeDirect: true, IncludeIndirectMetadata: true}

// Kind tags an emitted block as a data block or indirect metadata block.
type Kind int

const (
	KindData Kind = iota
	KindIndirectMeta
)

// Block is one block yielded by Walk.
type Block struct {
	Number uint32
	Kind   Kind
}

// Result is the outcome of a complete walk.
type Result struct {
	Blocks []Block

	// ReusedOrCorrupt is set when an indirect pointer was >= block_count or
	// an indirect block could not be read, truncating enumeration at that
	// point without error (§4.6, S3).
	ReusedOrCorrupt bool
}

// Walker enumerates inode data/indirect-metadata blocks against a device.
type Walker struct {
	d   *device.Device
	geo *geometry.Geometry
}

// New constructs a Walker.
func New(d *device.Device, geo *geometry.Geometry) *Walker {
	return &Walker{d: d, geo: geo}
}

// Walk enumerates every block view owns, per sel. Symlinks whose target
// fits inline (view.HasInlineSymlinkTarget) must be checked by the caller
// before calling Walk — Walk has no special-case for them and would
// otherwise walk the 15 pointer slots as if they were block numbers,
// which is never correct for an inline-target symlink (§4.6, §9).
func (w *Walker) Walk(view *inode.View, sel Selector) Result {
	var res Result

	if sel.IncludeDirect {
		for i := 0; i < inode.NumDirectBlocks; i++ {
			b := view.DirectBlock(i)
			if b == 0 {
				continue
			}

			if !w.emit(&res, b, KindData) {
				return res
			}
		}
	}

	if ind := view.IndirectBlock(); ind != 0 {
		if !w.walkIndirect(&res, ind, 0, sel) {
			return res
		}
	}

	if dind := view.DIndirectBlock(); dind != 0 {
		if !w.walkIndirect(&res, dind, 1, sel) {
			return res
		}
	}

	if tind := view.TIndirectBlock(); tind != 0 {
		if !w.walkIndirect(&res, tind, 2, sel) {
			return res
		}
	}

	return res
}

// walkIndirect walks an indirect node at the given depth (0 = single
// indirect pointing directly at data, 1 = double, 2 = triple). It returns
// false once a reused-or-corrupt condition has been signalled, so callers
// can stop further sibling traversal immediately (§4.6).
func (w *Walker) walkIndirect(res *Result, blockNum uint32, depth int, sel Selector) bool {
	if blockNum >= w.geo.BlockCount {
		res.ReusedOrCorrupt = true
		return false
	}

	if sel.IncludeIndirectMetadata {
		res.Blocks = append(res.Blocks, Block{Number: blockNum, Kind: KindIndirectMeta})
	}

	buf, err := w.d.ReadBlock(blockNum)
	if err != nil {
		res.ReusedOrCorrupt = true
		return false
	}

	pointers := decodePointers(buf, w.geo.BlockSize)

	for _, p := range pointers {
		if p == 0 {
			continue
		}

		if p >= w.geo.BlockCount {
			res.ReusedOrCorrupt = true
			return false
		}

		if depth == 0 {
			if !w.emit(res, p, KindData) {
				return false
			}

			continue
		}

		if !w.walkIndirect(res, p, depth-1, sel) {
			return false
		}
	}

	return true
}

func (w *Walker) emit(res *Result, b uint32, kind Kind) bool {
	if b >= w.geo.BlockCount {
		res.ReusedOrCorrupt = true
		return false
	}

	res.Blocks = append(res.Blocks, Block{Number: b, Kind: kind})

	return true
}

// decodePointers reinterprets a raw block as an array of little-endian
// uint32 block-pointer slots.
func decodePointers(buf []byte, blockSize uint32) []uint32 {
	n := int(blockSize / 4)
	out := make([]uint32, n)

	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	return out
}
