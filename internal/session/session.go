// Package session wires the ten reconstruction-engine components together
// in the build order §5 requires: geometry before bitmaps/inodes, the
// classifier/walker available once geometry is built, the journal index
// built before the directory scan, and the resolver built last. The scan
// itself does not consult journal membership; journal blocks are scanned
// like any other block.
package session

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ext3grep/ext3grep-go/internal/bitmap"
	"github.com/ext3grep/ext3grep-go/internal/config"
	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
	"github.com/ext3grep/ext3grep-go/internal/inode"
	"github.com/ext3grep/ext3grep-go/internal/journal"
	"github.com/ext3grep/ext3grep-go/internal/resolver"
	"github.com/ext3grep/ext3grep-go/internal/restore"
	"github.com/ext3grep/ext3grep-go/internal/scanner"
)

// Fatal initialization errors (§7). Checked with errors.Is against the
// causes geometry.Parse/journal.Build actually return.
var (
	ErrUnsupportedFilesystem = geometry.ErrUnsupportedFilesystem
	ErrUnsupportedJournal    = errors.New("session: filesystem has no usable journal")
	ErrDeviceUnreadable      = errors.New("session: device could not be opened")
)

// Session holds every phase's built state. Fields are populated strictly in
// order by Open; nothing downstream of a phase is touched until that phase
// completes, mirroring the teacher's Image.New -> newBuilder ->
// prepareFilesystem -> loadBitmaps fixed construction order.
type Session struct {
	Device     *device.Device
	Geometry   *geometry.Geometry
	GroupDescs []geometry.GroupDescriptor
	Bitmaps    *bitmap.Reader
	Inodes     *inode.Table
	Journal    *journal.Index
	Scan       *scanner.Result
	Resolved   *resolver.Result

	Config config.Config
	Log    *logrus.Entry
}

// Options configures an Open call.
type Options struct {
	Config config.Config
	Log    *logrus.Entry

	// AllowBytes is an optional filename-byte allow-list forwarded to the
	// classifier and scanner.
	AllowBytes map[byte]bool

	// SkipJournal permits opening a journal-less filesystem in a degraded
	// mode (classification/scanning work, but restore can only recover
	// still-live files).
	SkipJournal bool

	// Stage1Cache and Stage2Cache, when non-empty, are read from instead
	// of recomputed if present (§6 "Presence of either cache skips the
	// corresponding stage").
	Stage1Cache string
	Stage2Cache string
}

// Open performs every build phase in order and returns a fully-wired
// Session, or the first fatal initialization error (§7).
func Open(path string, opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}

	// Phase C1: a provisional 1024-byte-block device, reopened at the
	// true block size once geometry.Parse determines it.
	d, err := device.Open(path, geometry.SuperblockOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreadable, err)
	}

	// Phase C2.
	geo, err := geometry.Parse(d)
	if err != nil {
		return nil, fmt.Errorf("session: parsing geometry: %w", err)
	}

	d = d.WithBlockSize(geo.BlockSize)
	log.WithField("block_size", geo.BlockSize).Info("geometry parsed")

	gds, err := geometry.ReadGroupDescriptors(d, geo)
	if err != nil {
		return nil, fmt.Errorf("session: reading group descriptors: %w", err)
	}

	// Phase C3/C4.
	bm := bitmap.NewReader(d, geo, gds)
	it := inode.NewTable(d, geo, gds)
	log.Info("bitmaps and inode table available")

	sess := &Session{
		Device:     d,
		Geometry:   geo,
		GroupDescs: gds,
		Bitmaps:    bm,
		Inodes:     it,
		Config:     cfg,
		Log:        log,
	}

	// Phase C7: built before C8.
	if geo.HasJournal() {
		journalInode, err := it.Get(geo.JournalInum)
		if err != nil {
			return nil, fmt.Errorf("session: reading journal inode: %w", err)
		}

		jidx, err := journal.Build(d, geo, gds, journalInode)
		if err != nil {
			if !opts.SkipJournal {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedJournal, err)
			}

			log.WithError(err).Warn("journal build failed, continuing without journal")
		} else {
			sess.Journal = jidx
			log.WithField("transactions", len(jidx.SequenceToTransaction)).Info("journal built")
		}
	} else if !opts.SkipJournal {
		return nil, fmt.Errorf("%w: filesystem has no inode-resident journal", ErrUnsupportedJournal)
	}

	// Phase C8.
	if opts.Stage1Cache != "" {
		if cached, err := scanner.ReadCache(opts.Stage1Cache); err == nil {
			sess.Scan = cached
			log.WithField("path", opts.Stage1Cache).Info("stage1 cache loaded")
		}
	}

	if sess.Scan == nil {
		scan, err := scanner.Scan(d, geo, opts.AllowBytes)
		if err != nil {
			return nil, fmt.Errorf("session: stage1 scan: %w", err)
		}

		sess.Scan = scan
		log.WithField("dir_inodes", len(scan.DirInodeToBlocks)).Info("stage1 scan complete")

		if opts.Stage1Cache != "" {
			if err := scanner.WriteCache(opts.Stage1Cache, scan); err != nil {
				log.WithError(err).Warn("failed to write stage1 cache")
			}
		}
	}

	// Phase C9: built last.
	if opts.Stage2Cache != "" {
		if cached, err := resolver.ReadCache(opts.Stage2Cache); err == nil {
			sess.Resolved = cached
			log.WithField("path", opts.Stage2Cache).Info("stage2 cache loaded")
		}
	}

	if sess.Resolved == nil {
		r := resolver.New(d, bm, it, sess.Journal, opts.AllowBytes, cfg)

		resolved, err := r.Resolve(sess.Scan)
		if err != nil {
			return nil, fmt.Errorf("session: stage2 resolve: %w", err)
		}

		sess.Resolved = resolved
		log.WithField("paths", len(resolved.PathToInode)).Info("stage2 resolved")

		if opts.Stage2Cache != "" {
			if err := resolver.WriteCache(opts.Stage2Cache, resolved); err != nil {
				log.WithError(err).Warn("failed to write stage2 cache")
			}
		}
	}

	return sess, nil
}

// Restorer builds a C10 restorer over the session's already-wired state.
func (s *Session) Restorer() *restore.Restorer {
	return restore.New(s.Device, s.Geometry, s.Inodes, s.Journal, s.Resolved, s.Config.RestoreAfter)
}

// Close releases the underlying device handle.
func (s *Session) Close() error {
	return s.Device.Close()
}
