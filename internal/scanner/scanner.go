// Package scanner implements the stage-1 directory scanner (C8): a
// whole-device sweep that classifies every block and records directory
// block candidates keyed by owning inode.
package scanner

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ext3grep/ext3grep-go/internal/classify"
	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

// Result is the stage-1 scan output (§4.8).
type Result struct {
	// DirInodeToBlocks maps the inode number read from a Start block's "."
	// entry to every Start block found for it.
	DirInodeToBlocks map[uint32][]uint32

	// ExtendedBlocks holds directory-continuation blocks whose owning
	// inode is not yet known; C9 resolves ownership.
	ExtendedBlocks []uint32
}

// Scan sweeps every block of the device and classifies it via
// classify.IsDirectoryBlock (§4.8). allow is an optional filename-byte
// allow-list forwarded to the classifier.
func Scan(d *device.Device, geo *geometry.Geometry, allow map[byte]bool) (*Result, error) {
	res := &Result{DirInodeToBlocks: make(map[uint32][]uint32)}

	for b := geo.FirstDataBlock; b < geo.BlockCount; b++ {
		buf, err := d.ReadBlock(b)
		if err != nil {
			continue // unreadable block: discard and continue (§4.8 "No: discard")
		}

		switch classify.IsDirectoryBlock(buf, geo.InodeCount, allow) {
		case classify.Start:
			entries, ok := classify.ParseEntries(buf, allow)
			if !ok || len(entries) == 0 {
				continue
			}

			dotInode := entries[0].Inode
			res.DirInodeToBlocks[dotInode] = append(res.DirInodeToBlocks[dotInode], b)

		case classify.Extended:
			res.ExtendedBlocks = append(res.ExtendedBlocks, b)

		case classify.No:
			// discard
		}
	}

	return res, nil
}

// WriteCache persists the stage-1 result as the text cache format §6
// specifies: comment lines, then "INODE : BLOCK [BLOCK …]" lines, then a
// trailing section of extended-block numbers one per line. Named
// <basename>.stage1 by convention of the caller.
func WriteCache(path string, res *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("scanner: creating stage1 cache %q: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if _, err := fmt.Fprintln(w, "# ext3grep-go stage1 cache: dir-inode : candidate blocks"); err != nil {
		return fmt.Errorf("scanner: writing stage1 cache: %w", err)
	}

	for inodeNum, blocks := range res.DirInodeToBlocks {
		fields := make([]string, 0, len(blocks))
		for _, b := range blocks {
			fields = append(fields, strconv.FormatUint(uint64(b), 10))
		}

		if _, err := fmt.Fprintf(w, "%d : %s\n", inodeNum, strings.Join(fields, " ")); err != nil {
			return fmt.Errorf("scanner: writing stage1 cache: %w", err)
		}
	}

	if _, err := fmt.Fprintln(w, "# extended blocks"); err != nil {
		return fmt.Errorf("scanner: writing stage1 cache: %w", err)
	}

	for _, b := range res.ExtendedBlocks {
		if _, err := fmt.Fprintln(w, b); err != nil {
			return fmt.Errorf("scanner: writing stage1 cache: %w", err)
		}
	}

	return w.Flush()
}

// ReadCache loads a stage-1 cache previously written by WriteCache, letting
// a second run skip the device scan entirely.
func ReadCache(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scanner: opening stage1 cache %q: %w", path, err)
	}
	defer f.Close()

	res := &Result{DirInodeToBlocks: make(map[uint32][]uint32)}

	inExtendedSection := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, "extended") {
				inExtendedSection = true
			}

			continue
		}

		if inExtendedSection {
			b, err := strconv.ParseUint(line, 10, 32)
			if err != nil {
				continue
			}

			res.ExtendedBlocks = append(res.ExtendedBlocks, uint32(b))
			continue
		}

		inodePart, blockPart, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		inodeNum, err := strconv.ParseUint(strings.TrimSpace(inodePart), 10, 32)
		if err != nil {
			continue
		}

		var blocks []uint32
		for _, tok := range strings.Fields(blockPart) {
			b, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				continue
			}

			blocks = append(blocks, uint32(b))
		}

		res.DirInodeToBlocks[uint32(inodeNum)] = blocks
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanner: reading stage1 cache: %w", err)
	}

	return res, nil
}
