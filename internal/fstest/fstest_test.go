package fstest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ext3grep/ext3grep-go/internal/device"
	"github.com/ext3grep/ext3grep-go/internal/geometry"
)

func TestBuild_ParsesAsValidGeometry(t *testing.T) {
	fx, err := Build(t.TempDir())
	require.NoError(t, err)

	d, err := device.Open(fx.ImagePath, geometry.SuperblockOffset)
	require.NoError(t, err)
	defer d.Close()

	geo, err := geometry.Parse(d)
	require.NoError(t, err)
	require.Equal(t, uint32(BlockSize), geo.BlockSize)
	require.True(t, geo.HasJournal())
	require.Equal(t, uint32(journalInodeNum), geo.JournalInum)

	d = d.WithBlockSize(geo.BlockSize)

	gds, err := geometry.ReadGroupDescriptors(d, geo)
	require.NoError(t, err)
	require.Len(t, gds, 1)
	require.Equal(t, uint32(inodeTableStart), gds[0].InodeTableStart)
}
