package materialize_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/materialize"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

func TestMaterializeRoundTripsDirectoryTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	rec, err := manifestbuild.Build(st, src, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, materialize.Materialize(st, rec.RootManifest, dest, materialize.Options{}))

	gotA, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(gotB))

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	require.Equal(t, "a.txt", target)
}

func TestMaterializeRefusesNonEmptyDestWithoutForce(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	rec, err := manifestbuild.Build(st, src, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "preexisting.txt"), []byte("x"), 0o644))

	err = materialize.Materialize(st, rec.RootManifest, dest, materialize.Options{})
	require.Error(t, err)

	require.NoError(t, materialize.Materialize(st, rec.RootManifest, dest, materialize.Options{Force: true}))
	_, err = os.Stat(filepath.Join(dest, "preexisting.txt"))
	require.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestMaterializeRequiresResolutionForSuperpositions(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("alpha"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("beta"))
	require.NoError(t, err)

	rootA, err := st.PutManifest(&types.Manifest{
		Version: types.ManifestVersion,
		Entries: []types.ManifestEntry{types.EntryFile("conflict.txt", blobA, 0o644, 5)},
	})
	require.NoError(t, err)
	rootB, err := st.PutManifest(&types.Manifest{
		Version: types.ManifestVersion,
		Entries: []types.ManifestEntry{types.EntryFile("conflict.txt", blobB, 0o644, 4)},
	})
	require.NoError(t, err)
	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	err = materialize.Materialize(st, merged, dest, materialize.Options{})
	require.Error(t, err)

	variants, err := superpose.Variants(st, merged)
	require.NoError(t, err)
	vs := variants["conflict.txt"]
	idx := 0
	for i, v := range vs {
		if v.Blob == blobA {
			idx = i
		}
	}
	res := &types.Resolution{
		Version:   types.ResolutionVersionKey,
		Decisions: map[string]types.ResolutionDecision{"conflict.txt": {Index: &idx}},
	}
	require.NoError(t, materialize.Materialize(st, merged, dest, materialize.Options{Resolution: res}))
	got, err := os.ReadFile(filepath.Join(dest, "conflict.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(got))
}

func TestMaterializeStreamsChunkedFiles(t *testing.T) {
	src := t.TempDir()
	big := make([]byte, 3*1024*1024)
	for i := range big {
		big[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	opts := manifestbuild.Options{ThresholdBytes: 1024 * 1024, ChunkSizeBytes: 1024 * 1024}
	rec, err := manifestbuild.Build(st, src, opts, nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, materialize.Materialize(st, rec.RootManifest, dest, materialize.Options{}))

	got, err := os.ReadFile(filepath.Join(dest, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}
