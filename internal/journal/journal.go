// Package journal parses the ext3 transactional journal (jbd, the same
// on-disk format jbd2/ext4 inherited) and builds the index the directory
// resolver and restorer consult to recover historical copies of blocks
// (C7).
package journal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
	"github.com/ext3grep/ext3grep-go/internal/inode"
	"github.com/ext3grep/ext3grep-go/internal/walker"
)

// Journal block-header magic and block types (big-endian on disk, §3, §4.7).
const (
	magic = 0xC03B3998

	blockTypeDescriptor   = 1
	blockTypeCommit       = 2
	blockTypeSuperblockV1 = 3
	blockTypeSuperblockV2 = 4
	blockTypeRevoke       = 5
)

// Tag flag bits (journal_block_tag_t.t_flags).
const (
	TagFlagEscape   = 0x1
	TagFlagSameUUID = 0x2
	TagFlagDeleted  = 0x4
	TagFlagLastTag  = 0x8
)

// DescriptorKind distinguishes the three journal block-header types this
// index cares about.
type DescriptorKind int

const (
	KindDescriptor DescriptorKind = iota
	KindCommit
	KindRevoke
)

// Tag records one block-tag within a descriptor block: the filesystem
// block the following journal block is a copy of.
type Tag struct {
	FSBlock     uint32
	Flags       uint8
	DataFSBlock uint32 // the actual device block holding the data copy
}

// Descriptor is one parsed journal block header (§3: "ordered list of
// descriptors").
type Descriptor struct {
	Kind         DescriptorKind
	Sequence     uint32
	JournalBlock uint32 // FS block the descriptor header itself occupies
	Tags         []Tag
	RevokedBlocks []uint32
}

// Transaction groups the descriptors sharing a sequence number (§3).
type Transaction struct {
	Sequence    uint32
	Committed   bool
	Descriptors []*Descriptor
}

// InodeCopy is one historical copy of an inode record recovered from a
// journal tag, newest-first when returned from Index.InodeCopies.
type InodeCopy struct {
	Sequence  uint32
	Committed bool
	View      *inode.View
}

// Index is the complete result of a journal scan (§3 "Primary maps", §4.7).
type Index struct {
	IsJournalBlock      map[uint32]bool
	IsIndirectInJournal map[uint32]bool

	BlockToDescriptors       map[uint32][]*Descriptor
	JournalBlockToDescriptor map[uint32]*Descriptor
	SequenceToTransaction    map[uint32]*Transaction
	BlockToDirInode          map[uint32]uint32
	DirInodeToBlocks         map[uint32]map[uint32]bool

	// WrappedSequence is set if the scan reached journal_maxlen mid
	// transaction; per §4.7 the scan stops there without wrap-around replay.
	WrappedSequence bool

	geo *geometry.Geometry
	gds []geometry.GroupDescriptor
	d   *device.Device
}

type rawJournalSuperblock struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32

	BlockSize        uint32
	MaxLen           uint32
	First            uint32
	SbSequence       uint32
	Start            uint32
	ErrNo            int32
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	NumUsers         uint32
	DynSuper         uint32
	MaxTransaction   uint32
	MaxTransData     uint32
}

const rawJournalSuperblockSize = 4 * 3 + 4*9 + 16 + 4*4 // header + fields through MaxTransData

// Build scans the journal inode's blocks and assembles the index.
func Build(d *device.Device, geo *geometry.Geometry, gds []geometry.GroupDescriptor, journalInode *inode.View) (*Index, error) {
	w := walker.New(d, geo)
	res := w.Walk(journalInode, walker.JournalSelector)

	idx := &Index{
		IsJournalBlock:           make(map[uint32]bool),
		IsIndirectInJournal:      make(map[uint32]bool),
		BlockToDescriptors:       make(map[uint32][]*Descriptor),
		JournalBlockToDescriptor: make(map[uint32]*Descriptor),
		SequenceToTransaction:    make(map[uint32]*Transaction),
		BlockToDirInode:          make(map[uint32]uint32),
		DirInodeToBlocks:         make(map[uint32]map[uint32]bool),
		geo:                      geo,
		gds:                      gds,
		d:                        d,
	}

	var logical []uint32 // journal-relative logical block index -> FS block number

	for _, b := range res.Blocks {
		idx.IsJournalBlock[b.Number] = true

		if b.Kind == walker.KindIndirectMeta {
			idx.IsIndirectInJournal[b.Number] = true
			continue
		}

		logical = append(logical, b.Number)
	}

	if len(logical) == 0 {
		return idx, fmt.Errorf("journal: journal inode has no data blocks")
	}

	sbBuf, err := d.ReadBlock(logical[0])
	if err != nil {
		return nil, fmt.Errorf("journal: reading journal superblock: %w", err)
	}

	jsb, err := decodeJournalSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}

	if jsb.BlockSize != geo.BlockSize {
		return nil, fmt.Errorf("journal: journal block size %d differs from filesystem block size %d (unsupported)", jsb.BlockSize, geo.BlockSize)
	}

	if err := idx.scan(logical, jsb); err != nil {
		return nil, err
	}

	return idx, nil
}

func decodeJournalSuperblock(buf []byte) (*rawJournalSuperblock, error) {
	if len(buf) < rawJournalSuperblockSize {
		return nil, fmt.Errorf("journal: superblock block too short")
	}

	be := binary.BigEndian

	jsb := &rawJournalSuperblock{
		Magic:     be.Uint32(buf[0:]),
		BlockType: be.Uint32(buf[4:]),
		Sequence:  be.Uint32(buf[8:]),
		BlockSize: be.Uint32(buf[12:]),
		MaxLen:    be.Uint32(buf[16:]),
		First:     be.Uint32(buf[20:]),
	}

	if jsb.Magic != magic {
		return nil, fmt.Errorf("journal: bad superblock magic 0x%08X", jsb.Magic)
	}

	if jsb.BlockType != blockTypeSuperblockV1 && jsb.BlockType != blockTypeSuperblockV2 {
		return nil, fmt.Errorf("journal: unexpected superblock block type %d", jsb.BlockType)
	}

	return jsb, nil
}

// scan walks journal-relative logical blocks [first, maxLen) linearly,
// per §4.7's explicit no-wrap-around-replay scope.
func (idx *Index) scan(logical []uint32, jsb *rawJournalSuperblock) error {
	maxLen := jsb.MaxLen
	if maxLen > uint32(len(logical)) {
		maxLen = uint32(len(logical))
	}

	cursor := jsb.First
	var currentTxn *Transaction

	for cursor < maxLen {
		fsBlock := logical[cursor]

		buf, err := idx.d.ReadBlock(fsBlock)
		if err != nil {
			cursor++
			continue
		}

		be := binary.BigEndian
		hMagic := be.Uint32(buf[0:])
		hBlockType := be.Uint32(buf[4:])
		hSequence := be.Uint32(buf[8:])

		if hMagic != magic {
			// Not a header: stray/unrecognized block, skip it and keep
			// scanning rather than aborting the whole index (§4.7 failure
			// semantics).
			cursor++
			continue
		}

		txn := idx.transactionFor(hSequence)

		switch hBlockType {
		case blockTypeDescriptor:
			desc, consumed := idx.parseDescriptor(buf, fsBlock, hSequence, logical, cursor)
			idx.index(desc)
			txn.Descriptors = append(txn.Descriptors, desc)
			currentTxn = txn
			cursor += consumed

		case blockTypeCommit:
			txn.Committed = true
			currentTxn = nil
			cursor++

		case blockTypeRevoke:
			desc := idx.parseRevoke(buf, fsBlock, hSequence)
			idx.index(desc)
			txn.Descriptors = append(txn.Descriptors, desc)
			currentTxn = txn
			cursor++

		default:
			cursor++
		}
	}

	// The scan reached the journal end with a transaction still open.
	idx.WrappedSequence = currentTxn != nil

	idx.discardEmptyTransactions()
	idx.applyInodeCopies()

	return nil
}

func (idx *Index) transactionFor(seq uint32) *Transaction {
	t, ok := idx.SequenceToTransaction[seq]
	if !ok {
		t = &Transaction{Sequence: seq}
		idx.SequenceToTransaction[seq] = t
	}

	return t
}

// parseDescriptor decodes the block-tag list following a descriptor header
// and returns how many journal-relative logical blocks it and its tagged
// data copies together consumed (§4.7: "tags refer to the next journal
// block sequentially").
func (idx *Index) parseDescriptor(buf []byte, fsBlock uint32, seq uint32, logical []uint32, cursor uint32) (*Descriptor, uint32) {
	desc := &Descriptor{Kind: KindDescriptor, Sequence: seq, JournalBlock: fsBlock}

	be := binary.BigEndian
	offset := 12 // past h_magic/h_blocktype/h_sequence
	dataCursor := cursor + 1

	for offset+8 <= len(buf) {
		tagBlock := be.Uint32(buf[offset:])
		tagFlags := be.Uint32(buf[offset+4:])

		var dataFSBlock uint32
		if int(dataCursor) < len(logical) {
			dataFSBlock = logical[dataCursor]
		}

		desc.Tags = append(desc.Tags, Tag{
			FSBlock:     tagBlock,
			Flags:       uint8(tagFlags),
			DataFSBlock: dataFSBlock,
		})

		dataCursor++
		offset += 8
		if tagFlags&TagFlagSameUUID == 0 {
			offset += 16 // per-tag UUID, absent when SAME_UUID is set
		}

		if tagFlags&TagFlagLastTag != 0 {
			break
		}
	}

	consumed := dataCursor - cursor

	return desc, consumed
}

func (idx *Index) parseRevoke(buf []byte, fsBlock uint32, seq uint32) *Descriptor {
	desc := &Descriptor{Kind: KindRevoke, Sequence: seq, JournalBlock: fsBlock}

	be := binary.BigEndian
	count := be.Uint32(buf[12:]) // r_count: byte length of header+table

	offset := 16
	for offset+4 <= int(count) && offset+4 <= len(buf) {
		desc.RevokedBlocks = append(desc.RevokedBlocks, be.Uint32(buf[offset:]))
		offset += 4
	}

	return desc
}

// index records a parsed descriptor into the cross-reference maps (§3).
func (idx *Index) index(desc *Descriptor) {
	idx.JournalBlockToDescriptor[desc.JournalBlock] = desc

	switch desc.Kind {
	case KindDescriptor:
		for _, tag := range desc.Tags {
			idx.BlockToDescriptors[tag.FSBlock] = append(idx.BlockToDescriptors[tag.FSBlock], desc)
		}
	case KindRevoke:
		for _, b := range desc.RevokedBlocks {
			idx.BlockToDescriptors[b] = append(idx.BlockToDescriptors[b], desc)
		}
	}
}

// discardEmptyTransactions drops transactions that have a commit but no
// tag/revoke descriptor (§4.7 step 2).
func (idx *Index) discardEmptyTransactions() {
	for seq, t := range idx.SequenceToTransaction {
		if len(t.Descriptors) == 0 {
			delete(idx.SequenceToTransaction, seq)
		}
	}
}

// applyInodeCopies implements §4.7 step 4: for each tag referencing an
// inode-table block, inspect every inode copy embedded in that tag's data
// and, when it looks like an allocated directory, record its first block
// as the owner of block_to_dir_inode (last write wins, ascending sequence).
func (idx *Index) applyInodeCopies() {
	inodesPerBlock := idx.geo.BlockSize / uint32(idx.geo.InodeSize)

	sequences := sortedSequences(idx.SequenceToTransaction)

	for _, seq := range sequences {
		txn := idx.SequenceToTransaction[seq]

		for _, desc := range txn.Descriptors {
			if desc.Kind != KindDescriptor {
				continue
			}

			for _, tag := range desc.Tags {
				ok, firstInode := isInodeTableBlock(idx.geo, idx.gds, tag.FSBlock)
				if !ok || tag.DataFSBlock == 0 {
					continue
				}

				buf, err := idx.d.ReadBlock(tag.DataFSBlock)
				if err != nil {
					continue
				}

				for slot := uint32(0); slot < inodesPerBlock; slot++ {
					off := slot * uint32(idx.geo.InodeSize)
					if off+uint32(idx.geo.InodeSize) > uint32(len(buf)) {
						break
					}

					number := firstInode + slot

					view, err := inode.GetFromBytes(number, buf[off:off+uint32(idx.geo.InodeSize)])
					if err != nil {
						continue
					}

					if !view.IsDirectory() || view.Dtime != 0 {
						continue
					}

					first := view.DirectBlock(0)
					if first == 0 {
						continue
					}

					idx.BlockToDirInode[first] = number

					if idx.DirInodeToBlocks[number] == nil {
						idx.DirInodeToBlocks[number] = make(map[uint32]bool)
					}

					idx.DirInodeToBlocks[number][first] = true
				}
			}
		}
	}
}

func sortedSequences(m map[uint32]*Transaction) []uint32 {
	out := make([]uint32, 0, len(m))
	for seq := range m {
		out = append(out, seq)
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}

	return out
}

// isInodeTableBlock reports whether block b lies within some group's
// inode table, returning the inode number of its first slot. Kept local
// (rather than imported from internal/classify) to keep the dependency
// arrow one-directional: internal/classify never needs journal internals,
// but internal/journal needs this single predicate classify also exposes.
func isInodeTableBlock(geo *geometry.Geometry, gds []geometry.GroupDescriptor, b uint32) (bool, uint32) {
	group := geo.BlockGroup(b)
	if int(group) >= len(gds) {
		return false, 0
	}

	start := gds[group].InodeTableStart
	inodeTableBlocks := geo.InodesPerGroup * uint32(geo.InodeSize) / geo.BlockSize

	if b < start || b >= start+inodeTableBlocks {
		return false, 0
	}

	inodesPerBlock := geo.BlockSize / uint32(geo.InodeSize)
	offsetInTable := b - start

	return true, group*geo.InodesPerGroup + offsetInTable*inodesPerBlock + 1
}

// InodeCopies returns every historical copy of inode number, newest
// sequence first, recovered from journal tags that touched its containing
// inode-table block (the supplemented "history" feature, §6 SUPPLEMENTED
// FEATURES).
func (idx *Index) InodeCopies(number uint32) ([]InodeCopy, error) {
	blockNum, offsetInBlock := idx.inodeLocation(number)

	descs := idx.BlockToDescriptors[blockNum]

	var copies []InodeCopy

	for i := len(descs) - 1; i >= 0; i-- {
		desc := descs[i]
		if desc.Kind != KindDescriptor {
			continue
		}

		for _, tag := range desc.Tags {
			if tag.FSBlock != blockNum || tag.DataFSBlock == 0 {
				continue
			}

			buf, err := idx.d.ReadBlock(tag.DataFSBlock)
			if err != nil {
				continue
			}

			if offsetInBlock+uint32(idx.geo.InodeSize) > uint32(len(buf)) {
				continue
			}

			view, err := inode.GetFromBytes(number, buf[offsetInBlock:offsetInBlock+uint32(idx.geo.InodeSize)])
			if err != nil {
				continue
			}

			txn := idx.SequenceToTransaction[desc.Sequence]

			copies = append(copies, InodeCopy{
				Sequence:  desc.Sequence,
				Committed: txn != nil && txn.Committed,
				View:      view,
			})
		}
	}

	sort.SliceStable(copies, func(i, j int) bool { return copies[i].Sequence > copies[j].Sequence })

	return copies, nil
}

func (idx *Index) inodeLocation(number uint32) (blockNum uint32, offsetInBlock uint32) {
	group := idx.geo.InodeGroup(number)
	idxInGroup := idx.geo.InodeIndexInGroup(number)
	start := idx.gds[group].InodeTableStart
	inodesPerBlock := idx.geo.BlockSize / uint32(idx.geo.InodeSize)

	blockNum = start + idxInGroup/inodesPerBlock
	offsetInBlock = (idxInGroup % inodesPerBlock) * uint32(idx.geo.InodeSize)

	return blockNum, offsetInBlock
}
