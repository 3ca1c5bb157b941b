package superpose_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

func putManifest(t *testing.T, st *store.Store, entries []types.ManifestEntry) types.ObjectId {
	t.Helper()
	id, err := st.PutManifest(&types.Manifest{Version: types.ManifestVersion, Entries: entries})
	require.NoError(t, err)
	return id
}

func TestCoalesceAgreeingBranchesProduceNoSuperposition(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blob, err := st.PutBlob([]byte("agreed"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("a.txt", blob, 0o644, 6)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("a.txt", blob, 0o644, 6)})

	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	has, err := superpose.HasSuperpositions(st, merged)
	require.NoError(t, err)
	require.False(t, has)
}

func TestCoalesceDisagreeingBranchesProduceSuperposition(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("version-a"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("version-b"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("conflict.txt", blobA, 0o644, 9)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("conflict.txt", blobB, 0o644, 9)})

	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	has, err := superpose.HasSuperpositions(st, merged)
	require.NoError(t, err)
	require.True(t, has)

	variants, err := superpose.Variants(st, merged)
	require.NoError(t, err)
	require.Contains(t, variants, "conflict.txt")
	require.Len(t, variants["conflict.txt"], 2)
}

func TestCoalescePartialPresenceYieldsTombstoneVariant(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blob, err := st.PutBlob([]byte("only in one branch"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("only-a.txt", blob, 0o644, 18)})
	rootB := putManifest(t, st, []types.ManifestEntry{})

	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	variants, err := superpose.Variants(st, merged)
	require.NoError(t, err)
	vs, ok := variants["only-a.txt"]
	require.True(t, ok)
	require.Len(t, vs, 2)

	var sawTombstone, sawFile bool
	for _, v := range vs {
		switch v.Kind {
		case types.KindTombstone:
			sawTombstone = true
		case types.KindFile:
			sawFile = true
		}
	}
	require.True(t, sawTombstone)
	require.True(t, sawFile)
}

func TestValidateResolutionReportsMissingAndExtraneous(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("a"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("b"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("x.txt", blobA, 0o644, 1)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("x.txt", blobB, 0o644, 1)})
	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	report, err := superpose.ValidateResolution(st, merged, nil)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Contains(t, report.Missing, "x.txt")

	extraneous := &types.Resolution{
		Version: types.ResolutionVersionKey,
		Decisions: map[string]types.ResolutionDecision{
			"x.txt":          {Index: intPtr(0)},
			"does-not-exist": {Index: intPtr(0)},
		},
	}
	report, err = superpose.ValidateResolution(st, merged, extraneous)
	require.NoError(t, err)
	require.Contains(t, report.Extraneous, "does-not-exist")

	outOfRange := &types.Resolution{
		Version:   types.ResolutionVersionKey,
		Decisions: map[string]types.ResolutionDecision{"x.txt": {Index: intPtr(99)}},
	}
	report, err = superpose.ValidateResolution(st, merged, outOfRange)
	require.NoError(t, err)
	require.Contains(t, report.OutOfRange, "x.txt")
}

func TestApplyResolvesSuperpositionByIndex(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("alpha"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("beta"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobA, 0o644, 5)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobB, 0o644, 4)})
	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	variants, err := superpose.Variants(st, merged)
	require.NoError(t, err)
	vs := variants["pick.txt"]
	wantIdx := -1
	for i, v := range vs {
		if v.Blob == blobA {
			wantIdx = i
		}
	}
	require.GreaterOrEqual(t, wantIdx, 0)

	res := &types.Resolution{
		Version:   types.ResolutionVersionKey,
		Decisions: map[string]types.ResolutionDecision{"pick.txt": {Index: intPtr(wantIdx)}},
	}
	resolved, err := superpose.Apply(st, merged, res)
	require.NoError(t, err)

	has, err := superpose.HasSuperpositions(st, resolved)
	require.NoError(t, err)
	require.False(t, has)

	m, err := st.GetManifest(resolved)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	require.Equal(t, blobA, m.Entries[0].Blob)
}

func TestApplyRejectsIncompleteResolution(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("alpha"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("beta"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobA, 0o644, 5)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobB, 0o644, 4)})
	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	_, err = superpose.Apply(st, merged, nil)
	require.Error(t, err)
}

func TestUpgradeResolutionConvertsIndexToKey(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobA, err := st.PutBlob([]byte("alpha"))
	require.NoError(t, err)
	blobB, err := st.PutBlob([]byte("beta"))
	require.NoError(t, err)

	rootA := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobA, 0o644, 5)})
	rootB := putManifest(t, st, []types.ManifestEntry{types.EntryFile("pick.txt", blobB, 0o644, 4)})
	merged, err := superpose.Coalesce(st, []superpose.Input{
		{PublicationID: "pub-1", Root: rootA},
		{PublicationID: "pub-2", Root: rootB},
	})
	require.NoError(t, err)

	legacy := &types.Resolution{
		Version:   types.ResolutionVersionIndex,
		Decisions: map[string]types.ResolutionDecision{"pick.txt": {Index: intPtr(0)}},
	}
	upgraded, err := superpose.UpgradeResolution(st, merged, legacy)
	require.NoError(t, err)
	require.Equal(t, types.ResolutionVersionKey, upgraded.Version)
	require.NotNil(t, upgraded.Decisions["pick.txt"].Key)

	resolved, err := superpose.Apply(st, merged, upgraded)
	require.NoError(t, err)
	has, err := superpose.HasSuperpositions(st, resolved)
	require.NoError(t, err)
	require.False(t, has)
}

func intPtr(i int) *int { return &i }
