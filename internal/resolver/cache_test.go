package resolver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_RoundTrip(t *testing.T) {
	res := &Result{
		CanonicalBlock: map[uint32]uint32{
			2:  10,
			12: 11,
		},
		InodeToDirectory: map[uint32]string{
			2:  "/",
			12: "/sub",
		},
		PathToInode: map[string]uint32{
			"/":    2,
			"/sub": 12,
		},
		Ambiguous: map[uint32][]uint32{},
	}

	path := filepath.Join(t.TempDir(), "image.stage2")
	require.NoError(t, WriteCache(path, res))

	loaded, err := ReadCache(path)
	require.NoError(t, err)

	require.Equal(t, res.CanonicalBlock, loaded.CanonicalBlock)
	require.Equal(t, "/sub", loaded.InodeToDirectory[12])
	require.Equal(t, uint32(12), loaded.PathToInode["/sub"])
}
