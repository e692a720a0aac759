// Package fstest builds small synthetic ext3 filesystem images, complete
// with a committed journal transaction, for the rest of the suite to read
// back and assert against. Adapted from the teacher's disk-image-builder
// shape (pilat-go-ext4fs's NewExt4ImageBuilder/fileBackend), inverted from
// "build an ext4 image for mounting" to "build the smallest ext3 image
// that exercises one journal-recovered deletion".
package fstest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	BlockSize      = 1024
	InodeSize      = 128
	InodesPerGroup = 32
	BlocksPerGroup = 512
	TotalBlocks    = 64

	// Fixed block-layout constants for this synthetic image.
	superblockBlock  = 1
	gdtBlock         = 2
	blockBitmapBlock = 3
	inodeBitmapBlock = 4
	inodeTableStart  = 5                                    // 4 blocks: 32*128/1024
	inodeTableBlocks = InodesPerGroup * InodeSize / BlockSize // 4

	rootDirBlock = inodeTableStart + inodeTableBlocks // 9
	subDirBlock  = rootDirBlock + 1                   // 10
	helloBlock   = rootDirBlock + 2                   // 11
	deletedBlock = rootDirBlock + 3                   // 12
	staleBlock   = rootDirBlock + 4                   // 13

	journalInodeNum  = 8
	journalFirstBlock = 20
	journalLength     = 4 // superblock, descriptor, data, commit
)

// Inode numbers assigned by the fixture, exported for test assertions.
const (
	RootInode    = 2
	SubDirInode  = 12
	HelloInode   = 13
	DeletedInode = 14
	StaleInode   = 15
)

// HelloContent and DeletedContent are the regular files' data, for test
// assertions against restored output.
var (
	HelloContent   = []byte("hello world\n")
	DeletedContent = []byte("gone but recoverable\n")
)

// Fixture is the result of Build: the image path plus the facts about it
// tests need to assert against.
type Fixture struct {
	ImagePath string

	// DeletedDtime is the dtime written into the live (current, deleted)
	// copy of DeletedInode. The journal carries an earlier copy with
	// dtime == 0.
	DeletedDtime uint32

	// StaleDtime is the dtime written into the live (current, deleted)
	// copy of StaleInode. Unlike DeletedInode, the journal's only copy of
	// StaleInode's table slot is itself deleted (dtime == StaleDtime too),
	// so GetUndeletedInode can only report TooOld or NotFound for it,
	// never FromJournal.
	StaleDtime uint32
}

// Build writes a complete synthetic ext3 image to a file under dir and
// returns its path plus fixture facts. The image has:
//   - root (inode 2, block 9): ".", "..", "sub", "hello.txt", "deleted.txt",
//     "stale.txt"
//   - sub (inode 12, block 10): ".", ".."
//   - hello.txt (inode 13, block 11): a live regular file
//   - deleted.txt (inode 14, block 12): a regular file whose current inode
//     record has a non-zero dtime (deleted), recoverable only from the
//     committed journal transaction that holds its pre-deletion copy.
//   - stale.txt (inode 15): a deleted regular file whose only journal copy
//     is itself deleted (see Fixture.StaleDtime).
func Build(dir string) (*Fixture, error) {
	path := filepath.Join(dir, "image.ext3")

	raw := make([]byte, TotalBlocks*BlockSize)

	writeSuperblock(raw)
	writeGroupDescriptor(raw)
	writeBlockBitmap(raw)
	writeInodeBitmap(raw)

	writeInode(raw, RootInode, modeDir, 0, rootDirBlock, 0)
	writeInode(raw, SubDirInode, modeDir, 0, subDirBlock, 0)
	writeInode(raw, HelloInode, modeReg, 0, helloBlock, uint32(len(HelloContent)))

	const deletedDtime = 1700000100
	const staleDtime = 1600000000
	writeInode(raw, DeletedInode, modeReg, deletedDtime, deletedBlock, uint32(len(DeletedContent)))
	writeInode(raw, StaleInode, modeReg, staleDtime, staleBlock, 0)
	writeInode(raw, journalInodeNum, modeReg, 0, 0, journalLength*BlockSize)
	setJournalBlocks(raw)

	writeRootDir(raw)
	writeSubDir(raw)
	writeBlock(raw, helloBlock, HelloContent)
	writeBlock(raw, deletedBlock, DeletedContent)

	writeJournal(raw, deletedDtime, staleDtime)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fstest: creating %q: %w", dir, err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("fstest: writing image %q: %w", path, err)
	}

	return &Fixture{ImagePath: path, DeletedDtime: deletedDtime, StaleDtime: staleDtime}, nil
}

const (
	modeDir = 0x4000
	modeReg = 0x8000
)

func writeBlock(raw []byte, blockNum int, content []byte) {
	copy(raw[blockNum*BlockSize:], content)
}

func writeSuperblock(raw []byte) {
	buf := raw[superblockBlock*BlockSize:]
	le := binary.LittleEndian

	le.PutUint32(buf[0:], InodesPerGroup)       // inodes_count (single group)
	le.PutUint32(buf[4:], TotalBlocks)          // blocks_count
	le.PutUint32(buf[20:], 0)                   // first_data_block (block size > 1024 would need 1)
	le.PutUint32(buf[24:], 0)                   // log_block_size: 1024 << 0
	le.PutUint32(buf[32:], BlocksPerGroup)       // blocks_per_group
	le.PutUint32(buf[40:], InodesPerGroup)       // inodes_per_group
	le.PutUint16(buf[56:], 0xEF53)               // magic
	le.PutUint32(buf[72:], 0)                    // creator_os: Linux
	le.PutUint16(buf[88:], InodeSize)            // inode_size
	le.PutUint32(buf[92:], 0x0004)               // feature_compat: HAS_JOURNAL
	le.PutUint32(buf[224:], journalInodeNum)     // s_journal_inum
}

func writeGroupDescriptor(raw []byte) {
	buf := raw[gdtBlock*BlockSize:]
	le := binary.LittleEndian

	le.PutUint32(buf[0:], blockBitmapBlock)
	le.PutUint32(buf[4:], inodeBitmapBlock)
	le.PutUint32(buf[8:], inodeTableStart)
}

func setBit(bm []byte, n int) { bm[n/8] |= 1 << (n % 8) }

func writeBlockBitmap(raw []byte) {
	bm := raw[blockBitmapBlock*BlockSize : blockBitmapBlock*BlockSize+BlockSize]

	for b := 0; b < TotalBlocks; b++ {
		setBit(bm, b)
	}
}

func writeInodeBitmap(raw []byte) {
	bm := raw[inodeBitmapBlock*BlockSize : inodeBitmapBlock*BlockSize+BlockSize]

	for _, i := range []int{RootInode, SubDirInode, HelloInode, DeletedInode, StaleInode, journalInodeNum} {
		setBit(bm, i-1)
	}
}

func inodeOffset(number uint32) int {
	idx := int(number) - 1
	return inodeTableStart*BlockSize + idx*InodeSize
}

func writeInode(raw []byte, number uint32, mode uint16, dtime uint32, firstBlock uint32, size uint32) {
	off := inodeOffset(number)
	rec := raw[off : off+InodeSize]
	le := binary.LittleEndian

	le.PutUint16(rec[0:], mode)
	le.PutUint32(rec[4:], size)
	le.PutUint32(rec[20:], dtime)
	le.PutUint16(rec[26:], 1) // links_count
	if firstBlock != 0 {
		le.PutUint32(rec[40:], firstBlock)
	}
}

func writeDirEntry(buf []byte, offset int, inodeNum uint32, recLen uint16, name string, fileType uint8) {
	le := binary.LittleEndian
	le.PutUint32(buf[offset:], inodeNum)
	le.PutUint16(buf[offset+4:], recLen)
	buf[offset+6] = uint8(len(name))
	buf[offset+7] = fileType
	copy(buf[offset+8:], name)
}

const ftDir = 2
const ftReg = 1

func writeRootDir(raw []byte) {
	buf := raw[rootDirBlock*BlockSize : rootDirBlock*BlockSize+BlockSize]

	writeDirEntry(buf, 0, RootInode, 12, ".", ftDir)
	writeDirEntry(buf, 12, RootInode, 12, "..", ftDir)
	writeDirEntry(buf, 24, SubDirInode, 12, "sub", ftDir)
	writeDirEntry(buf, 36, HelloInode, 24, "hello.txt", ftReg)
	writeDirEntry(buf, 60, DeletedInode, 20, "deleted.txt", ftReg)
	writeDirEntry(buf, 80, StaleInode, uint16(BlockSize-80), "stale.txt", ftReg)
}

func writeSubDir(raw []byte) {
	buf := raw[subDirBlock*BlockSize : subDirBlock*BlockSize+BlockSize]

	writeDirEntry(buf, 0, SubDirInode, 12, ".", ftDir)
	writeDirEntry(buf, 12, RootInode, uint16(BlockSize-12), "..", ftDir)
}

// setJournalBlocks wires the journal inode's 4 direct block pointers to
// journalFirstBlock..journalFirstBlock+journalLength-1, matching the size
// already written by writeInode.
func setJournalBlocks(raw []byte) {
	off := inodeOffset(journalInodeNum)
	rec := raw[off : off+InodeSize]
	le := binary.LittleEndian

	for i := 0; i < journalLength; i++ {
		le.PutUint32(rec[40+i*4:], uint32(journalFirstBlock+i))
	}

	le.PutUint32(rec[28:], uint32(journalLength*BlockSize/512)) // blocks (512-byte sectors)
}

// writeJournal lays out a single committed transaction at logical journal
// blocks [1,2,3]: a descriptor tagging the inode-table block that covers
// DeletedInode and StaleInode (both land in the same table block), a data
// block holding DeletedInode's pre-deletion copy (dtime == 0) and
// StaleInode's own already-deleted copy (dtime == staleDtime, never 0), and
// a commit record. Logical block 0 holds the journal superblock.
func writeJournal(raw []byte, deletedDtime, staleDtime uint32) {
	const magic = 0xC03B3998

	sbOff := journalFirstBlock * BlockSize
	be := binary.BigEndian
	be.PutUint32(raw[sbOff:], magic)
	be.PutUint32(raw[sbOff+4:], 4) // superblock v2
	be.PutUint32(raw[sbOff+8:], 1) // sequence
	be.PutUint32(raw[sbOff+12:], BlockSize)
	be.PutUint32(raw[sbOff+16:], journalLength)
	be.PutUint32(raw[sbOff+20:], 1) // s_first

	descOff := (journalFirstBlock + 1) * BlockSize
	tagBlock := uint32(inodeTableStart + (DeletedInode-1)/(BlockSize/InodeSize))

	be.PutUint32(raw[descOff:], magic)
	be.PutUint32(raw[descOff+4:], 1) // descriptor
	be.PutUint32(raw[descOff+8:], 1) // sequence
	be.PutUint32(raw[descOff+12:], tagBlock)
	be.PutUint32(raw[descOff+16:], 0x2|0x8) // SAME_UUID | LAST_TAG

	dataOff := (journalFirstBlock + 2) * BlockSize
	// The data copy is a full filesystem block as it looked pre-deletion:
	// only DeletedInode's and StaleInode's slots are populated, the rest of
	// the block is zero (acceptable for this inode-table block in the
	// synthetic fixture).
	slotOff := dataOff + int((DeletedInode-1)%(BlockSize/InodeSize))*InodeSize
	le := binary.LittleEndian
	le.PutUint16(raw[slotOff:], modeReg)
	le.PutUint32(raw[slotOff+4:], uint32(len(DeletedContent)))
	le.PutUint32(raw[slotOff+20:], 0) // dtime == 0: live at the time of this copy
	le.PutUint16(raw[slotOff+26:], 1)
	le.PutUint32(raw[slotOff+40:], deletedBlock)

	// StaleInode's slot in the same journaled table block: this copy is
	// itself already deleted (dtime == staleDtime), so it can never satisfy
	// the dtime == 0 FromJournal case; it only exists to test the --after
	// cutoff against a copy that is itself a deleted snapshot.
	staleSlotOff := dataOff + int((StaleInode-1)%(BlockSize/InodeSize))*InodeSize
	le.PutUint16(raw[staleSlotOff:], modeReg)
	le.PutUint32(raw[staleSlotOff+4:], 0)
	le.PutUint32(raw[staleSlotOff+20:], staleDtime)
	le.PutUint16(raw[staleSlotOff+26:], 1)
	le.PutUint32(raw[staleSlotOff+40:], staleBlock)

	commitOff := (journalFirstBlock + 3) * BlockSize
	be.PutUint32(raw[commitOff:], magic)
	be.PutUint32(raw[commitOff+4:], 2) // commit
	be.PutUint32(raw[commitOff+8:], 1) // sequence

	_ = deletedDtime
}
