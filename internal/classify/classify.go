// Package classify implements the block/inode type classifier (C5):
// heuristics to decide whether a raw block is an inode-table block or a
// directory block, and whether a directory entry chain is well-formed.
package classify

import (
	"encoding/binary"

	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// DirEntry is one decoded directory entry (§3). Name is the raw bytes as
// stored on disk, not yet validated against the filename charset.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     []byte
	Offset   int // byte offset within the containing block
}

// Directory entry file-type hint values (ext2_dir_entry_2.file_type).
const (
	FTUnknown = 0
	FTRegFile = 1
	FTDir     = 2
	FTChrDev  = 3
	FTBlkDev  = 4
	FTFIFO    = 5
	FTSock    = 6
	FTSymlink = 7
)

const direntHeaderSize = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)

// DirResult classifies a directory-block candidate (§4.5).
type DirResult int

const (
	No DirResult = iota
	Start
	Extended
)

// IsInodeBlock reports whether block b falls inside some group's inode
// table, and if so returns the first inode number represented by it.
func IsInodeBlock(geo *geometry.Geometry, gds []geometry.GroupDescriptor, b uint32) (bool, uint32) {
	group := geo.BlockGroup(b)
	if int(group) >= len(gds) {
		return false, 0
	}

	start := gds[group].InodeTableStart
	inodeTableBlocks := uint32(geo.InodesPerGroup) * uint32(geo.InodeSize) / geo.BlockSize

	if b < start || b >= start+inodeTableBlocks {
		return false, 0
	}

	inodesPerBlock := geo.BlockSize / uint32(geo.InodeSize)
	offsetInTable := b - start
	firstIndexInGroup := offsetInTable * inodesPerBlock

	return true, group*geo.InodesPerGroup + firstIndexInGroup + 1
}

// roundUp4 rounds n up to the next multiple of 4.
func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// isLegalNameByte reports whether b may appear in a filename: printable
// ASCII excluding '/' (§4.5). allow provides a caller-supplied rescue list
// of additional bytes to tolerate (e.g. from an external allow-list).
func isLegalNameByte(b byte, allow map[byte]bool) bool {
	if b >= 32 && b <= 126 && b != '/' {
		return true
	}

	return allow != nil && allow[b]
}

// ParseEntries decodes the entry chain of a directory block starting at
// offset 0, returning the live entries found before any structural
// violation. ok is false if the chain is not well-formed (rec_len
// misalignment, impossible rec_len, over-long name, or running past the
// block end) — in which case entries holds whatever was parsed before the
// violation was detected, for diagnostic use only.
func ParseEntries(buf []byte, allow map[byte]bool) (entries []DirEntry, ok bool) {
	blockSize := len(buf)
	offset := 0

	for offset < blockSize {
		if offset+direntHeaderSize > blockSize {
			return entries, false
		}

		inodeNum := binary.LittleEndian.Uint32(buf[offset:])
		recLen := binary.LittleEndian.Uint16(buf[offset+4:])
		nameLen := buf[offset+6]
		fileType := buf[offset+7]

		if recLen < 8 || recLen%4 != 0 {
			return entries, false
		}

		if offset+int(recLen) > blockSize {
			return entries, false
		}

		if nameLen == 0 {
			return entries, false
		}

		minRecLen := roundUp4(direntHeaderSize + int(nameLen))
		if int(recLen) < minRecLen {
			return entries, false
		}

		if offset+int(recLen) == blockSize {
			// final entry: may legitimately pad far beyond minRecLen.
		}

		name := buf[offset+direntHeaderSize : offset+direntHeaderSize+int(nameLen)]
		for _, c := range name {
			if !isLegalNameByte(c, allow) {
				return entries, false
			}
		}

		entries = append(entries, DirEntry{
			Inode:    inodeNum,
			RecLen:   recLen,
			NameLen:  nameLen,
			FileType: fileType,
			Name:     append([]byte(nil), name...),
			Offset:   offset,
		})

		offset += int(recLen)
	}

	return entries, offset == blockSize
}

// IsDirectoryBlock classifies a raw block as No/Start/Extended (§4.5): a
// well-formed chain beginning with "." and ".." is Start, any other
// well-formed chain is Extended, and anything that fails to parse (or
// whose inodes are out of range) is No.
func IsDirectoryBlock(buf []byte, totalInodes uint32, allow map[byte]bool) DirResult {
	entries, ok := ParseEntries(buf, allow)
	if !ok || len(entries) == 0 {
		return No
	}

	for _, e := range entries {
		if e.Inode != 0 && e.Inode > totalInodes {
			return No
		}
	}

	if isStartChain(entries) {
		return Start
	}

	// §9 open question: a single entry spanning the whole block and not
	// looking like a directory start is rejected outright ("Symbol table
	// entry?" in the original defensive check), mirrored here rather than
	// widened.
	if len(entries) == 1 && int(entries[0].RecLen) == len(buf) {
		return No
	}

	return Extended
}

// isStartChain reports whether the first two entries are "." and ".." with
// correct inode self/parent-style values and DIR type (§3, S2).
func isStartChain(entries []DirEntry) bool {
	if len(entries) < 2 {
		return false
	}

	dot := entries[0]
	dotdot := entries[1]

	if dot.NameLen != 1 || string(dot.Name) != "." || dot.FileType != FTDir || dot.Inode == 0 {
		return false
	}

	if dotdot.NameLen != 2 || string(dotdot.Name) != ".." || dotdot.FileType != FTDir || dotdot.Inode == 0 {
		return false
	}

	return true
}
