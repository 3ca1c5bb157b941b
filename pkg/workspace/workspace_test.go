package workspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/types"
)

func TestInitOpenRoundTrip(t *testing.T) {
	root := t.TempDir()

	w, err := Init(root, Config{RemoteURL: "http://localhost:8444", RepoID: "demo", Token: "secret"})
	require.NoError(t, err)
	// Init holds the bbolt file lock; release it so Open can take it.
	require.NoError(t, w.Close())

	w2, err := Open(root)
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, "http://localhost:8444", w2.Config.RemoteURL)
	assert.Equal(t, "demo", w2.Config.RepoID)
	assert.Equal(t, "secret", w2.Config.Token)
}

func TestInitRefusesExisting(t *testing.T) {
	root := t.TempDir()
	w, err := Init(root, Config{RemoteURL: "http://x"})
	require.NoError(t, err)
	w.Close()

	_, err = Init(root, Config{RemoteURL: "http://y"})
	assert.Error(t, err)
}

func TestLaneHeadCache(t *testing.T) {
	root := t.TempDir()
	w, err := Init(root, Config{})
	require.NoError(t, err)
	defer w.Close()

	_, found, err := w.CachedLaneHead("main", "alice")
	require.NoError(t, err)
	assert.False(t, found)

	head := types.LaneHead{SnapID: "abc123", UpdatedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, w.CacheLaneHead("main", "alice", head))

	got, found, err := w.CachedLaneHead("main", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, head, got)
}

func TestLocalSnapHistory(t *testing.T) {
	root := t.TempDir()
	w, err := Init(root, Config{})
	require.NoError(t, err)
	defer w.Close()

	for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "2026-01-03T00:00:00Z"} {
		rec := &types.SnapRecord{ID: types.ObjectId(string(rune('a' + i))), CreatedAt: ts, RootManifest: "root"}
		require.NoError(t, w.RecordLocalSnap(rec))
	}

	hist, err := w.LocalSnapHistory(2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2026-01-03T00:00:00Z", hist[0].CreatedAt)
	assert.Equal(t, "2026-01-02T00:00:00Z", hist[1].CreatedAt)
}

func TestFindWalksUpward(t *testing.T) {
	root := t.TempDir()
	w, err := Init(root, Config{})
	require.NoError(t, err)
	w.Close()

	sub := root + "/a/b/c"
	require.NoError(t, os.MkdirAll(sub, 0o755))

	found, err := Find(sub)
	require.NoError(t, err)
	assert.Equal(t, root, found)
}
