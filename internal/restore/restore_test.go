package restore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/fstest"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
	"github.com/ext3grep/ext3grep-go/internal/inode"
	"github.com/ext3grep/ext3grep-go/internal/journal"
	"github.com/ext3grep/ext3grep-go/internal/resolver"
)

// openJournaledFixture opens fstest's synthetic image through the same
// phase order internal/session uses (geometry, group descriptors, inode
// table, journal), returning just the pieces GetUndeletedInode needs.
func openJournaledFixture(t *testing.T) (*fstest.Fixture, *device.Device, *geometry.Geometry, *inode.Table, *journal.Index) {
	t.Helper()

	fx, err := fstest.Build(t.TempDir())
	require.NoError(t, err)

	d, err := device.Open(fx.ImagePath, geometry.SuperblockOffset)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	geo, err := geometry.Parse(d)
	require.NoError(t, err)

	d = d.WithBlockSize(geo.BlockSize)

	gds, err := geometry.ReadGroupDescriptors(d, geo)
	require.NoError(t, err)

	it := inode.NewTable(d, geo, gds)

	journalInode, err := it.Get(geo.JournalInum)
	require.NoError(t, err)

	jidx, err := journal.Build(d, geo, gds, journalInode)
	require.NoError(t, err)

	return fx, d, geo, it, jidx
}

const testBlockSize = 1024

// buildDeviceWithBlocks writes numBlocks blocks to a temp file, applying
// the given block-number -> content overrides before opening it read-only.
func buildDeviceWithBlocks(t *testing.T, numBlocks int, blocks map[uint32][]byte) *device.Device {
	t.Helper()

	raw := make([]byte, numBlocks*testBlockSize)
	for num, content := range blocks {
		copy(raw[int(num)*testBlockSize:], content)
	}

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	d, err := device.Open(path, testBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func emptyResolverResult() *resolver.Result {
	return &resolver.Result{PathToInode: map[string]uint32{}, InodeToDirectory: map[uint32]string{}}
}

func TestGetUndeletedInode_Live(t *testing.T) {
	d := buildDeviceWithBlocks(t, 20, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 20, InodeSize: 128, InodesPerGroup: 16, BlocksPerGroup: 20, InodeCount: 16}
	gds := []geometry.GroupDescriptor{{InodeTableStart: 5}}

	it := inode.NewTable(d, geo, gds)
	r := New(d, geo, it, nil, emptyResolverResult(), time.Time{})

	// Inode 2's table slot is all-zero (dtime == 0): GetUndeletedInode
	// must report Live even though every other field is zero, since
	// IsDeleted only checks dtime.
	result, err := r.GetUndeletedInode(2)
	require.NoError(t, err)
	require.Equal(t, Live, result.Outcome)
}

func TestGetUndeletedInode_FromJournal(t *testing.T) {
	_, d, geo, it, jidx := openJournaledFixture(t)
	r := New(d, geo, it, jidx, emptyResolverResult(), time.Time{})

	result, err := r.GetUndeletedInode(fstest.DeletedInode)
	require.NoError(t, err)
	require.Equal(t, FromJournal, result.Outcome)
	require.Equal(t, uint32(1), result.Sequence)
	require.Zero(t, result.View.Dtime)
}

// The journal's only copy of StaleInode's slot is itself a deleted
// snapshot; with no --after cutoff set it is unreachable, not TooOld.
func TestGetUndeletedInode_OnlyDeletedCopyIsNotFoundWithoutCutoff(t *testing.T) {
	_, d, geo, it, jidx := openJournaledFixture(t)
	r := New(d, geo, it, jidx, emptyResolverResult(), time.Time{})

	result, err := r.GetUndeletedInode(fstest.StaleInode)
	require.NoError(t, err)
	require.Equal(t, NotFound, result.Outcome)
}

// With --after set after the deleted copy's own dtime, the same lookup
// reports TooOld instead of silently falling through to NotFound.
func TestGetUndeletedInode_TooOld(t *testing.T) {
	fx, d, geo, it, jidx := openJournaledFixture(t)

	after := time.Unix(int64(fx.StaleDtime), 0).Add(time.Hour)
	r := New(d, geo, it, jidx, emptyResolverResult(), after)

	result, err := r.GetUndeletedInode(fstest.StaleInode)
	require.NoError(t, err)
	require.Equal(t, TooOld, result.Outcome)
}

func TestRestoreFile_StreamsBlocks(t *testing.T) {
	content5 := bytes.Repeat([]byte("A"), testBlockSize)
	content6 := append(bytes.Repeat([]byte("B"), 10), make([]byte, testBlockSize-10)...)

	d := buildDeviceWithBlocks(t, 20, map[uint32][]byte{5: content5, 6: content6})
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 20}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	view := &inode.View{Size: uint64(testBlockSize + 10), Block: [15]uint32{5, 6}}

	var out bytes.Buffer
	res, err := r.RestoreFile(view, &out)
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Equal(t, int64(testBlockSize+10), res.BytesWritten)
	require.Equal(t, content5, out.Bytes()[:testBlockSize])
	require.Equal(t, []byte("BBBBBBBBBB"), out.Bytes()[testBlockSize:])
}

func TestRestoreSymlinkTarget_Inline(t *testing.T) {
	d := buildDeviceWithBlocks(t, 5, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 5}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	raw := make([]byte, 128)
	modeLink := uint16(inode.ModeLink)
	raw[0] = byte(modeLink)
	raw[1] = byte(modeLink >> 8)
	copy(raw[40:], []byte("/tmp"))

	decoded, err := inode.GetFromBytes(99, raw)
	require.NoError(t, err)
	decoded.Size = 4

	target, err := r.RestoreSymlinkTarget(decoded)
	require.NoError(t, err)
	require.Equal(t, "/tmp", target)
}

func TestRestore_DirectoryCreatesDestination(t *testing.T) {
	d := buildDeviceWithBlocks(t, 5, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 5}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	view := &inode.View{Mode: inode.ModeDir}
	dest := filepath.Join(t.TempDir(), "restored-dir")

	_, err := r.Restore(view, dest)
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRestore_SymlinkCreatesLink(t *testing.T) {
	d := buildDeviceWithBlocks(t, 5, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 5}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	raw := make([]byte, 128)
	modeLink := uint16(inode.ModeLink)
	raw[0] = byte(modeLink)
	raw[1] = byte(modeLink >> 8)
	copy(raw[40:], []byte("/tmp"))

	decoded, err := inode.GetFromBytes(99, raw)
	require.NoError(t, err)
	decoded.Size = 4

	dest := filepath.Join(t.TempDir(), "restored-link")

	_, err = r.Restore(decoded, dest)
	require.NoError(t, err)

	target, err := os.Readlink(dest)
	require.NoError(t, err)
	require.Equal(t, "/tmp", target)
}

func TestRestore_UnsupportedTypeReportsAndSkips(t *testing.T) {
	d := buildDeviceWithBlocks(t, 5, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 5}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	view := &inode.View{Mode: inode.ModeFIFO}
	dest := filepath.Join(t.TempDir(), "restored-fifo")

	_, err := r.Restore(view, dest)
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func TestRestore_RefusesExistingDestination(t *testing.T) {
	d := buildDeviceWithBlocks(t, 5, nil)
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 5}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	view := &inode.View{Mode: inode.ModeReg, Size: 0}
	dest := filepath.Join(t.TempDir(), "already-exists")
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0o644))

	_, err := r.Restore(view, dest)
	require.ErrorIs(t, err, ErrDestinationExists)
}

func TestRestoreSymlinkTarget_FromDataBlock(t *testing.T) {
	targetBlock := make([]byte, testBlockSize)
	copy(targetBlock, "/var/log/messages")

	d := buildDeviceWithBlocks(t, 10, map[uint32][]byte{7: targetBlock})
	geo := &geometry.Geometry{BlockSize: testBlockSize, BlockCount: 10}

	r := New(d, geo, nil, nil, emptyResolverResult(), time.Time{})

	view := &inode.View{Mode: inode.ModeLink, Size: uint64(len("/var/log/messages")), BlocksLo: 2, Block: [15]uint32{7}}

	target, err := r.RestoreSymlinkTarget(view)
	require.NoError(t, err)
	require.Equal(t, "/var/log/messages", target)
}
