package walker

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
	"github.com/ext3grep/ext3grep-go/internal/inode"
)

const testBlockSize = 1024

// buildRawDevice writes numBlocks blocks of testBlockSize bytes to a temp
// file and returns an opened *device.Device over it.
func buildRawDevice(t *testing.T, numBlocks int) *device.Device {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, numBlocks*testBlockSize), 0o600))

	d, err := device.Open(path, testBlockSize)
	require.NoError(t, err)

	t.Cleanup(func() { _ = d.Close() })

	return d
}

func writePointers(t *testing.T, path string, blockNum uint32, pointers []uint32) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, testBlockSize)
	for i, p := range pointers {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}

	_, err = f.WriteAt(buf, int64(blockNum)*testBlockSize)
	require.NoError(t, err)
}

func newTestGeometry(blockCount uint32) *geometry.Geometry {
	return &geometry.Geometry{BlockSize: testBlockSize, BlockCount: blockCount}
}

func TestWalker_DirectBlocksOnly(t *testing.T) {
	d := buildRawDevice(t, 20)
	geo := newTestGeometry(20)
	w := New(d, geo)

	view := inode.View{Block: [15]uint32{1, 2, 3}}

	res := w.Walk(&view, DefaultSelector)

	require.False(t, res.ReusedOrCorrupt)
	require.Len(t, res.Blocks, 3)
	require.Equal(t, uint32(1), res.Blocks[0].Number)
	require.Equal(t, uint32(3), res.Blocks[2].Number)
}

// TestWalker_ReusedOrCorrupt mirrors S3: an IND pointer of 17 whose block
// contains [42, 0x7FFFFFFF, 19, 0, ...] with block_count = 100000 must
// enumerate block 42 then stop, signalling reused-or-corrupt, without ever
// emitting block 19.
func TestWalker_ReusedOrCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 100*testBlockSize), 0o600))

	d, err := device.Open(path, testBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	pointers := make([]uint32, testBlockSize/4)
	pointers[0] = 42
	pointers[1] = 0x7FFFFFFF
	pointers[2] = 19
	writePointers(t, path, 17, pointers)

	geo := newTestGeometry(100000)
	w := New(d, geo)

	view := inode.View{Block: [15]uint32{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 17}}

	res := w.Walk(&view, DefaultSelector)

	require.True(t, res.ReusedOrCorrupt)
	require.Len(t, res.Blocks, 1)
	require.Equal(t, uint32(42), res.Blocks[0].Number)
}

func TestWalker_JournalSelectorEmitsIndirectMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 50*testBlockSize), 0o600))

	d, err := device.Open(path, testBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	pointers := make([]uint32, testBlockSize/4)
	pointers[0] = 10
	pointers[1] = 11
	writePointers(t, path, 5, pointers)

	geo := newTestGeometry(50)
	w := New(d, geo)

	view := inode.View{Block: [15]uint32{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5}}

	res := w.Walk(&view, JournalSelector)

	require.False(t, res.ReusedOrCorrupt)
	require.Equal(t, Block{Number: 5, Kind: KindIndirectMeta}, res.Blocks[0])
	require.Equal(t, Block{Number: 10, Kind: KindData}, res.Blocks[1])
	require.Equal(t, Block{Number: 11, Kind: KindData}, res.Blocks[2])
}
