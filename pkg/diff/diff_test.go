package diff_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/diff"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

func putManifest(t *testing.T, st *store.Store, entries []types.ManifestEntry) types.ObjectId {
	t.Helper()
	id, err := st.PutManifest(&types.Manifest{Version: types.ManifestVersion, Entries: entries})
	require.NoError(t, err)
	return id
}

func TestDiffClassifiesAddedDeletedModified(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	blobA, err := st.PutBlob([]byte("a contents"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("b contents"))
	require.NoError(t, err)
	blobUnchanged, err := st.PutBlob([]byte("same"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{
		types.EntryFile("unchanged.txt", blobUnchanged, 0o644, 4),
		types.EntryFile("removed.txt", blobA, 0o644, 10),
		types.EntryFile("changed.txt", blobA, 0o644, 10),
	})
	rootB := putManifest(t, st, []types.ManifestEntry{
		types.EntryFile("unchanged.txt", blobUnchanged, 0o644, 4),
		types.EntryFile("changed.txt", blobB, 0o644, 10),
		types.EntryFile("added.txt", blobB, 0o644, 10),
	})

	lines, err := diff.Diff(st, rootA, rootB)
	require.NoError(t, err)

	byPath := map[string]diff.DiffLine{}
	for _, l := range lines {
		byPath[l.Path] = l
	}
	require.Len(t, lines, 3)
	require.Equal(t, diff.StatusDeleted, byPath["removed.txt"].Status)
	require.Equal(t, diff.StatusAdded, byPath["added.txt"].Status)
	require.Equal(t, diff.StatusModified, byPath["changed.txt"].Status)
	require.NotContains(t, byPath, "unchanged.txt")
}

func TestDiffDetectsExactRename(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blob, err := st.PutBlob([]byte("moved but identical"))
	require.NoError(t, err)

	oldDir := putManifest(t, st, []types.ManifestEntry{types.EntryFile("name.txt", blob, 0o644, 20)})
	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryDir("old", oldDir)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("new-name.txt", blob, 0o644, 20)})

	lines, err := diff.Diff(st, rootA, rootB)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, diff.StatusRenamed, lines[0].Status)
	require.Equal(t, "old/name.txt", lines[0].From)
	require.False(t, lines[0].Modified)
}

func TestDiffDetectsRenamedAndModifiedChunkedFile(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	chunk1, err := st.PutBlob([]byte("chunk-one-bytes"))
	require.NoError(t, err)
	chunk2, err := st.PutBlob([]byte("chunk-two-bytes"))
	require.NoError(t, err)
	chunk3, err := st.PutBlob([]byte("chunk-three-new"))
	require.NoError(t, err)

	recipeOld, err := st.PutRecipe(&types.FileRecipe{
		Chunks: []types.RecipeChunk{{Blob: chunk1, Size: 15}, {Blob: chunk2, Size: 15}},
	})
	require.NoError(t, err)
	recipeNew, err := st.PutRecipe(&types.FileRecipe{
		Chunks: []types.RecipeChunk{{Blob: chunk1, Size: 15}, {Blob: chunk3, Size: 15}},
	})
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFileChunks("big-old.bin", recipeOld, 0o644, 30)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFileChunks("big-new.bin", recipeNew, 0o644, 30)})

	lines, err := diff.Diff(st, rootA, rootB)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, diff.StatusRenamed, lines[0].Status)
	require.Equal(t, "big-old.bin", lines[0].From)
	require.True(t, lines[0].Modified)
}

func TestRenameTieBreaksOnLexicographicallyFirstPath(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	shared, err := st.PutBlob([]byte("shared-chunk-bytes"))
	require.NoError(t, err)
	fresh, err := st.PutBlob([]byte("brand-new-chunk!!"))
	require.NoError(t, err)

	recipeOld, err := st.PutRecipe(&types.FileRecipe{
		Chunks: []types.RecipeChunk{{Blob: shared, Size: 18}},
	})
	require.NoError(t, err)
	recipeNew, err := st.PutRecipe(&types.FileRecipe{
		Chunks: []types.RecipeChunk{{Blob: shared, Size: 18}, {Blob: fresh, Size: 17}},
	})
	require.NoError(t, err)

	// Two identical deleted candidates score the same against the one
	// added file; the pairing must always pick the same one.
	rootA := putManifest(t, st, []types.ManifestEntry{
		types.EntryFileChunks("a-old.bin", recipeOld, 0o644, 18),
		types.EntryFileChunks("b-old.bin", recipeOld, 0o644, 18),
	})
	rootB := putManifest(t, st, []types.ManifestEntry{
		types.EntryFileChunks("new.bin", recipeNew, 0o644, 35),
	})

	for i := 0; i < 5; i++ {
		lines, err := diff.Diff(st, rootA, rootB)
		require.NoError(t, err)
		require.Len(t, lines, 2)

		byPath := map[string]diff.DiffLine{}
		for _, l := range lines {
			byPath[l.Path] = l
		}
		require.Equal(t, diff.StatusRenamed, byPath["new.bin"].Status)
		require.Equal(t, "a-old.bin", byPath["new.bin"].From)
		require.Equal(t, diff.StatusDeleted, byPath["b-old.bin"].Status)
	}
}

func TestDiffDescendsIntoDirectories(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blob, err := st.PutBlob([]byte("nested"))
	require.NoError(t, err)

	subA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("x.txt", blob, 0o644, 6)})
	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryDir("sub", subA)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryDir("sub", subA)})

	lines, err := diff.Diff(st, rootA, rootB)
	require.NoError(t, err)
	require.Empty(t, lines)
}
