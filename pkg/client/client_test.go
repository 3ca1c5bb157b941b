package client_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/api"
	cvgclient "github.com/cuemby/convergence/pkg/client"
	"github.com/cuemby/convergence/pkg/identity"
	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

func newTestEnv(t *testing.T) (*httptest.Server, *cvgclient.Client) {
	t.Helper()
	dataDir := t.TempDir()
	idm, err := identity.Open(dataDir)
	require.NoError(t, err)
	const bootstrapSecret = "test-bootstrap-secret"
	srv, err := api.NewServer(dataDir, idm, bootstrapSecret)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c := cvgclient.New(ts.URL, bootstrapSecret, cvgclient.Options{})
	boot, err := c.Bootstrap(context.Background(), "alice")
	require.NoError(t, err)

	c2 := cvgclient.New(ts.URL, boot.Token, cvgclient.Options{})
	require.NoError(t, c2.CreateRepo(context.Background(), "demo"))
	return ts, c2
}

func TestClientRepoLifecycle(t *testing.T) {
	_, c := newTestEnv(t)
	ctx := context.Background()

	repo, err := c.GetRepo(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, "demo", repo.ID)

	who, err := c.Whoami(ctx)
	require.NoError(t, err)
	require.True(t, who.Admin)
}

func TestClientPublishFlow(t *testing.T) {
	_, c := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, c.AddScope(ctx, "demo", "root"))
	require.NoError(t, c.SetGateGraph(ctx, "demo", types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev", Name: "dev", AllowReleases: true}},
	}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/hello.txt", []byte("hello world"), 0o644))

	localRoot := t.TempDir()
	localStore, err := store.Open(localRoot)
	require.NoError(t, err)

	snap, err := manifestbuild.Build(localStore, dir, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)

	pub, err := cvgclient.Publish(ctx, c, localStore, cvgclient.PublishInput{
		RepoID: "demo",
		Snap:   snap,
		Scope:  "root",
		Gate:   "dev",
	})
	require.NoError(t, err)
	require.Equal(t, snap.ID, pub.SnapID)

	pubs, err := c.ListPublications(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	fetched, err := c.GetManifest(ctx, "demo", snap.RootManifest)
	require.NoError(t, err)
	require.Len(t, fetched.Entries, 1)

	// Round trip: pull the published tree into a second local store and
	// compare bytes.
	secondStore, err := store.Open(t.TempDir())
	require.NoError(t, err)
	if _, err := secondStore.PutManifest(fetched); err != nil {
		t.Fatal(err)
	}
	blob, err := c.GetBlob(ctx, "demo", fetched.Entries[0].Blob)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(blob))
}

func TestPublicationProvenanceTracksEachPublisher(t *testing.T) {
	ts, admin := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, admin.AddScope(ctx, "demo", "root"))
	require.NoError(t, admin.SetGateGraph(ctx, "demo", types.GateGraph{
		Version: types.GateGraphVersion,
		Gates:   []types.GateDef{{ID: "dev", Name: "dev", AllowSuperpositions: true}},
	}))

	bob, err := admin.CreateUser(ctx, "bob", false)
	require.NoError(t, err)
	bobToken, err := admin.CreateToken(ctx, bob.ID, "test")
	require.NoError(t, err)
	require.NoError(t, admin.AddPublisher(ctx, "demo", bob.ID))

	bobClient := cvgclient.New(ts.URL, bobToken.Secret, cvgclient.Options{})

	publishAs := func(c *cvgclient.Client, content string) *types.Publication {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(dir+"/note.txt", []byte(content), 0o644))
		local, err := store.Open(t.TempDir())
		require.NoError(t, err)
		snap, err := manifestbuild.Build(local, dir, manifestbuild.DefaultOptions(), nil)
		require.NoError(t, err)
		pub, err := cvgclient.Publish(ctx, c, local, cvgclient.PublishInput{
			RepoID: "demo", Snap: snap, Scope: "root", Gate: "dev",
		})
		require.NoError(t, err)
		return pub
	}

	alicePub := publishAs(admin, "alice's tree\n")
	bobPub := publishAs(bobClient, "bob's tree\n")

	aliceWho, err := admin.Whoami(ctx)
	require.NoError(t, err)
	bobWho, err := bobClient.Whoami(ctx)
	require.NoError(t, err)

	require.Equal(t, aliceWho.User.ID, alicePub.PublisherUserID)
	require.Equal(t, bobWho.User.ID, bobPub.PublisherUserID)
	require.NotEqual(t, alicePub.PublisherUserID, bobPub.PublisherUserID)
}

func TestClientMetadataOnlyPublishShipsStructureNotBlobs(t *testing.T) {
	_, c := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, c.AddScope(ctx, "demo", "root"))
	require.NoError(t, c.SetGateGraph(ctx, "demo", types.GateGraph{
		Version: types.GateGraphVersion,
		Gates: []types.GateDef{{
			ID: "dev", Name: "dev",
			AllowMetadataOnlyPublication: true,
		}},
	}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/large-ish.txt", []byte("content that stays local"), 0o644))

	localStore, err := store.Open(t.TempDir())
	require.NoError(t, err)
	snap, err := manifestbuild.Build(localStore, dir, manifestbuild.DefaultOptions(), nil)
	require.NoError(t, err)

	pub, err := cvgclient.Publish(ctx, c, localStore, cvgclient.PublishInput{
		RepoID:       "demo",
		Snap:         snap,
		Scope:        "root",
		Gate:         "dev",
		MetadataOnly: true,
	})
	require.NoError(t, err)
	require.True(t, pub.MetadataOnly)

	// Structure is on the server...
	m, err := c.GetManifest(ctx, "demo", snap.RootManifest)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)

	// ...the blob bytes are not.
	_, err = c.GetBlob(ctx, "demo", m.Entries[0].Blob)
	require.Error(t, err)
}
