package repo_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

func newTestRepo(t *testing.T) *repo.State {
	t.Helper()
	dataDir := t.TempDir()
	s, err := repo.Create(dataDir, "demo", "owner-1")
	require.NoError(t, err)
	return s
}

func buildSnap(t *testing.T, s *repo.State) *types.SnapRecord {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/a.txt", []byte("hello"), 0o644))
	rec, err := manifestbuild.Build(s.Store(), dir, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSnap(rec.ID))
	return rec
}

func TestPublicationLifecycle(t *testing.T) {
	s := newTestRepo(t)
	require.NoError(t, s.AddScope("root"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev", Name: "dev", AllowReleases: true}},
	}))

	rec := buildSnap(t, s)

	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	require.Equal(t, rec.ID, pub.SnapID)

	_, err = s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, &cvgerr.Error{Kind: cvgerr.Conflict}))

	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)
	require.True(t, bundle.Promotable)

	require.NoError(t, s.Pin(bundle.ID))
	snap := s.Snapshot()
	require.Contains(t, snap.PinnedBundles, bundle.ID)
	require.NoError(t, s.Unpin(bundle.ID))
	snap = s.Snapshot()
	require.NotContains(t, snap.PinnedBundles, bundle.ID)
}

func TestCreatePublicationRejectsUnknownScope(t *testing.T) {
	s := newTestRepo(t)
	rec := buildSnap(t, s)
	_, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "nope", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, &cvgerr.Error{Kind: cvgerr.Validation}))
}

func TestReleaseFromNonTerminalGateRequiresAdmin(t *testing.T) {
	s := newTestRepo(t)
	require.NoError(t, s.AddScope("root"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates: []types.GateDef{
			{ID: "dev", Name: "dev"},
			{ID: "prod", Name: "prod", Upstream: []string{"dev"}, AllowReleases: true},
		},
	}))
	rec := buildSnap(t, s)
	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)

	// Non-admin releasing straight from "dev" (not terminal: "prod" is
	// downstream) is a validation error, not a forbidden one.
	_, err = s.Release("stable", bundle.ID, "owner-1", false, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, &cvgerr.Error{Kind: cvgerr.Validation}))

	rel, err := s.Release("stable", bundle.ID, "owner-1", true, nil)
	require.NoError(t, err)
	require.Equal(t, bundle.ID, rel.BundleID)
}

func TestReleaseRequiresGateAllowance(t *testing.T) {
	s := newTestRepo(t)
	require.NoError(t, s.AddScope("root"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev", Name: "dev"}},
	}))
	rec := buildSnap(t, s)
	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)

	// "dev" is terminal but does not allow releases; a non-admin is
	// refused, an admin overrides.
	_, err = s.Release("stable", bundle.ID, "owner-1", false, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, &cvgerr.Error{Kind: cvgerr.Validation}))

	_, err = s.Release("stable", bundle.ID, "owner-1", true, nil)
	require.NoError(t, err)
}

func TestBundleConflictResolutionFlow(t *testing.T) {
	s := newTestRepo(t)
	require.NoError(t, s.AddScope("main"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev-intake", Name: "dev-intake", AllowReleases: true}},
	}))

	snapOne := buildSnapWithContent(t, s, "a.txt", "one\n")
	snapTwo := buildSnapWithContent(t, s, "a.txt", "two\n")

	pubOne, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: snapOne.ID, Scope: "main", Gate: "dev-intake", PublisherUserID: "alice",
	})
	require.NoError(t, err)
	pubTwo, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: snapTwo.ID, Scope: "main", Gate: "dev-intake", PublisherUserID: "bob",
	})
	require.NoError(t, err)

	conflicted, err := s.CreateBundle("main", "dev-intake", []string{pubOne.ID, pubTwo.ID}, "alice")
	require.NoError(t, err)
	require.False(t, conflicted.Promotable)
	require.Contains(t, conflicted.Reasons, "superpositions_present")

	variants, err := superpose.Variants(s.Store(), conflicted.RootManifest)
	require.NoError(t, err)
	require.Len(t, variants["a.txt"], 2)

	var key types.VariantKey
	for _, v := range variants["a.txt"] {
		if v.Source == pubOne.ID {
			key = v.Key()
		}
	}
	res := &types.Resolution{
		Version:   types.ResolutionVersionKey,
		Decisions: map[string]types.ResolutionDecision{"a.txt": {Key: &key}},
	}
	resolvedRoot, err := superpose.Apply(s.Store(), conflicted.RootManifest, res)
	require.NoError(t, err)

	resolvedSnap := &types.SnapRecord{
		Version:      types.SnapRecordVersion,
		CreatedAt:    "2026-03-01T00:00:00Z",
		RootManifest: resolvedRoot,
	}
	resolvedSnap.ID = canon.SnapID(resolvedSnap.CreatedAt, resolvedRoot)
	_, err = s.Store().PutSnap(resolvedSnap)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSnap(resolvedSnap.ID))

	resolvedPub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: resolvedSnap.ID, Scope: "main", Gate: "dev-intake",
		PublisherUserID: "alice", Resolution: res,
	})
	require.NoError(t, err)

	clean, err := s.CreateBundle("main", "dev-intake", []string{resolvedPub.ID}, "alice")
	require.NoError(t, err)
	require.True(t, clean.Promotable)
	require.Empty(t, clean.Reasons)
}

func buildSnapWithContent(t *testing.T, s *repo.State, name, content string) *types.SnapRecord {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte(content), 0o644))
	rec, err := manifestbuild.Build(s.Store(), dir, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSnap(rec.ID))
	return rec
}

func TestMigrateHandlesPersistsToDisk(t *testing.T) {
	dataDir := t.TempDir()
	_, err := repo.Create(dataDir, "demo", "owner-1")
	require.NoError(t, err)

	// Simulate a repo document written before user ids existed.
	path := filepath.Join(dataDir, "repos", "demo", "repo.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var r types.Repo
	require.NoError(t, json.Unmarshal(data, &r))
	r.ReaderHandles = []string{"carol"}
	r.PublisherHandles = []string{"carol", "unknown"}
	rewritten, err := json.Marshal(&r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, rewritten, 0o644))

	loaded, err := repo.Load(dataDir, "demo")
	require.NoError(t, err)
	resolve := func(handle string) (string, bool) {
		if handle == "carol" {
			return "carol-id", true
		}
		return "", false
	}
	require.NoError(t, loaded.MigrateHandles(resolve))

	// The migration must survive a fresh load from disk.
	reloaded, err := repo.Load(dataDir, "demo")
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	require.Contains(t, snap.ReaderIDs, "carol-id")
	require.Contains(t, snap.PublisherIDs, "carol-id")
	require.Empty(t, snap.ReaderHandles)
	require.Empty(t, snap.PublisherHandles)
}

func TestPromoteRequiresDownstreamGate(t *testing.T) {
	s := newTestRepo(t)
	require.NoError(t, s.AddScope("root"))
	require.NoError(t, s.SetGateGraph(types.GateGraph{
		Version: types.GateGraphVersion,
		Gates: []types.GateDef{
			{ID: "dev", Name: "dev"},
			{ID: "prod", Name: "prod", Upstream: []string{"dev"}, AllowReleases: true},
		},
	}))
	rec := buildSnap(t, s)
	pub, err := s.CreatePublication(repo.CreatePublicationInput{
		SnapID: rec.ID, Scope: "root", Gate: "dev", PublisherUserID: "owner-1",
	})
	require.NoError(t, err)
	bundle, err := s.CreateBundle("root", "dev", []string{pub.ID}, "owner-1")
	require.NoError(t, err)

	_, err = s.Promote(bundle.ID, "dev", "owner-1")
	require.Error(t, err)

	p, err := s.Promote(bundle.ID, "prod", "owner-1")
	require.NoError(t, err)
	require.Equal(t, "prod", p.ToGate)
}
