package gc_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/gc"
	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/types"
)

func setupRepoWithTwoSnaps(t *testing.T) (*repo.State, *types.SnapRecord, *types.SnapRecord) {
	t.Helper()
	s, err := repo.Create(t.TempDir(), "demo", "owner-1")
	require.NoError(t, err)
	require.NoError(t, s.AddScope("root"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev", Name: "dev", AllowReleases: true}},
	}))

	dir1 := t.TempDir()
	require.NoError(t, os.WriteFile(dir1+"/a.txt", []byte("keep me"), 0o644))
	keep, err := manifestbuild.Build(s.Store(), dir1, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSnap(keep.ID))

	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(dir2+"/b.txt", []byte("drop me"), 0o644))
	drop, err := manifestbuild.Build(s.Store(), dir2, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSnap(drop.ID))

	return s, keep, drop
}

func TestSweepRequiresPruneMetadataUnlessDryRun(t *testing.T) {
	s, _, _ := setupRepoWithTwoSnaps(t)
	_, err := gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: false})
	require.Error(t, err)
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	s, keep, _ := setupRepoWithTwoSnaps(t)
	report, err := gc.Sweep(s, gc.Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, report.DryRun)

	has, err := s.Store().HasSnap(keep.ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSweepReclaimsUnreferencedSnapsAndKeepsPinned(t *testing.T) {
	s, keep, drop := setupRepoWithTwoSnaps(t)

	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: keep.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)
	require.NoError(t, s.Pin(bundle.ID))

	report, err := gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Deleted.Snaps)

	has, err := s.Store().HasSnap(keep.ID)
	require.NoError(t, err)
	require.True(t, has, "snap behind a pinned bundle must survive")

	has, err = s.Store().HasSnap(drop.ID)
	require.NoError(t, err)
	require.False(t, has, "unreferenced snap must be collected")
}

func TestSweepRetainsReleasedBundles(t *testing.T) {
	s, keep, drop := setupRepoWithTwoSnaps(t)

	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: keep.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)
	_, err = s.Release("stable", bundle.ID, "owner-1", true, nil)
	require.NoError(t, err)

	report, err := gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: true})
	require.NoError(t, err)
	require.GreaterOrEqual(t, report.Kept.Bundles, 1)

	has, err := s.Store().HasSnap(keep.ID)
	require.NoError(t, err)
	require.True(t, has, "snap behind a released bundle must survive")

	has, err = s.Store().HasManifest(bundle.RootManifest)
	require.NoError(t, err)
	require.True(t, has, "released bundle's root manifest must survive")

	has, err = s.Store().HasSnap(drop.ID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestSweepPrunesReleaseHistoryPerChannel(t *testing.T) {
	s, keep, _ := setupRepoWithTwoSnaps(t)

	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: keep.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = s.Release("stable", bundle.ID, "owner-1", true, nil)
		require.NoError(t, err)
	}

	_, err = gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: true, PruneReleasesKeepLast: 1})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Releases, 1)

	// The single released bundle stays rooted through the surviving
	// release.
	has, err := s.Store().HasManifest(bundle.RootManifest)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSweepIsIdempotent(t *testing.T) {
	s, keep, _ := setupRepoWithTwoSnaps(t)
	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: keep.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)
	require.NoError(t, s.Pin(bundle.ID))

	_, err = gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: true})
	require.NoError(t, err)
	second, err := gc.Sweep(s, gc.Options{DryRun: false, PruneMetadata: true})
	require.NoError(t, err)
	require.Equal(t, 0, second.Deleted.Snaps)
	require.Equal(t, 0, second.Deleted.Manifests)
}
