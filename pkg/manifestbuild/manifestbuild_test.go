package manifestbuild_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/store"
)

func TestBuildCountsFilesDirsAndBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world!"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".converge"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".converge", "config.yaml"), []byte("ignored"), 0o644))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec, err := manifestbuild.Build(st, root, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Stats.Files)
	require.Equal(t, 1, rec.Stats.Dirs)
	require.EqualValues(t, 11, rec.Stats.Bytes)

	m, err := st.GetManifest(rec.RootManifest)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
}

func TestBuildIsContentAddressedAndStable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("same bytes"), 0o644))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	root1, err := manifestbuild.BuildManifestOnly(st, root, manifestbuild.DefaultOptions())
	require.NoError(t, err)
	root2, err := manifestbuild.BuildManifestOnly(st, root, manifestbuild.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, root1, root2)
}

func TestBuildChunksLargeFiles(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 5*1024*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	opts := manifestbuild.Options{ThresholdBytes: 1024 * 1024, ChunkSizeBytes: 1024 * 1024}
	rec, err := manifestbuild.Build(st, root, opts, nil)
	require.NoError(t, err)

	m, err := st.GetManifest(rec.RootManifest)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	require.False(t, m.Entries[0].Recipe.Empty())

	recipe, err := st.GetRecipe(m.Entries[0].Recipe)
	require.NoError(t, err)
	require.Len(t, recipe.Chunks, 5)
}
