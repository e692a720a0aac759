package resolver

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WriteCache persists the resolved canonical-block choice per directory
// inode as the stage-2 text cache §6 specifies: lines
// "INODE 'PATH' BLOCK [BLOCK …]", path single-quoted and possibly empty.
// Named <basename>.stage2 by convention of the caller.
func WriteCache(path string, res *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("resolver: creating stage2 cache %q: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	for inodeNum, block := range res.CanonicalBlock {
		p := res.InodeToDirectory[inodeNum]

		if _, err := fmt.Fprintf(w, "%d '%s' %d\n", inodeNum, p, block); err != nil {
			return fmt.Errorf("resolver: writing stage2 cache: %w", err)
		}
	}

	return w.Flush()
}

// ReadCache loads a stage-2 cache previously written by WriteCache.
func ReadCache(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: opening stage2 cache %q: %w", path, err)
	}
	defer f.Close()

	res := &Result{
		PathToInode:      make(map[string]uint32),
		InodeToDirectory: make(map[uint32]string),
		Ambiguous:        make(map[uint32][]uint32),
		CanonicalBlock:   make(map[uint32]uint32),
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		inodeField, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}

		inodeNum, err := strconv.ParseUint(inodeField, 10, 32)
		if err != nil {
			continue
		}

		quoteStart := strings.Index(rest, "'")
		quoteEnd := strings.LastIndex(rest, "'")
		if quoteStart < 0 || quoteEnd <= quoteStart {
			continue
		}

		p := rest[quoteStart+1 : quoteEnd]
		blockField := strings.TrimSpace(rest[quoteEnd+1:])

		block, err := strconv.ParseUint(blockField, 10, 32)
		if err != nil {
			continue
		}

		res.CanonicalBlock[uint32(inodeNum)] = uint32(block)

		if p != "" {
			res.InodeToDirectory[uint32(inodeNum)] = p
			res.PathToInode[p] = uint32(inodeNum)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("resolver: reading stage2 cache: %w", err)
	}

	return res, nil
}
