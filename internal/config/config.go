// Package config collects the small set of tunables the reconstruction
// engine needs, with defaults matching the reference tool's behavior.
package config

import "time"

// DefaultDtimeTolerance is the slack allowed when matching a child
// directory's ".." entry against its presumed parent during tree
// construction (§4.9, §9 open question: "rm -rf" can delete a parent and
// child within the same second but out of strict dtime order).
const DefaultDtimeTolerance = 60 * time.Second

// DefaultMaxDepth bounds directory tree recursion; combined with the
// inode-seen stack this breaks cycles introduced by corruption even before
// the stack catches the repeat (§4.9 "depth is bounded by a configurable
// limit").
const DefaultMaxDepth = 4096

// Config holds the tunables that vary per run.
type Config struct {
	// DtimeTolerance is the parent/child dtime slack tree construction
	// allows (§4.9).
	DtimeTolerance time.Duration

	// MaxDepth bounds directory tree recursion depth.
	MaxDepth int

	// RestoreAfter, if non-zero, is the --after cutoff: a historical inode
	// copy whose dtime predates it is reported TooOld rather than restored
	// (§4.10).
	RestoreAfter time.Time
}

// Default returns a Config with the reference tool's default tunables.
func Default() Config {
	return Config{
		DtimeTolerance: DefaultDtimeTolerance,
		MaxDepth:       DefaultMaxDepth,
	}
}
