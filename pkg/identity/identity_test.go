package identity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/identity"
	"github.com/cuemby/convergence/pkg/types"
)

func TestBootstrapIsOneShot(t *testing.T) {
	dir := t.TempDir()
	m, err := identity.Open(dir)
	require.NoError(t, err)
	require.False(t, m.HasAdmin())

	user, secret, tok, err := m.Bootstrap("alice", nil)
	require.NoError(t, err)
	require.True(t, user.Admin)
	require.NotEmpty(t, secret)
	require.Equal(t, user.ID, tok.UserID)
	require.True(t, m.HasAdmin())

	_, _, _, err = m.Bootstrap("bob", nil)
	require.Error(t, err)
}

func TestAuthenticateRejectsRevokedAndExpired(t *testing.T) {
	dir := t.TempDir()
	m, err := identity.Open(dir)
	require.NoError(t, err)
	_, _, _, err = m.Bootstrap("alice", nil)
	require.NoError(t, err)

	user, err := m.CreateUser("bob", nil, false)
	require.NoError(t, err)

	secret, tok, err := m.CreateToken(user.ID, nil, nil)
	require.NoError(t, err)

	got, err := m.Authenticate(secret)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	require.NoError(t, m.RevokeToken(tok.ID))
	_, err = m.Authenticate(secret)
	require.Error(t, err)

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	secret2, _, err := m.CreateToken(user.ID, nil, &past)
	require.NoError(t, err)
	_, err = m.Authenticate(secret2)
	require.Error(t, err)
}

func TestCreateUserRejectsDuplicateHandle(t *testing.T) {
	dir := t.TempDir()
	m, err := identity.Open(dir)
	require.NoError(t, err)
	_, err = m.CreateUser("alice", nil, false)
	require.NoError(t, err)
	_, err = m.CreateUser("alice", nil, false)
	require.Error(t, err)
}

func TestCanReadAndCanPublish(t *testing.T) {
	owner := &types.User{ID: "u-owner"}
	reader := &types.User{ID: "u-reader"}
	publisher := &types.User{ID: "u-pub"}
	stranger := &types.User{ID: "u-stranger"}
	admin := &types.User{ID: "u-admin", Admin: true}

	repo := &types.Repo{
		OwnerID:      owner.ID,
		ReaderIDs:    []string{reader.ID},
		PublisherIDs: []string{publisher.ID},
	}

	require.True(t, identity.CanRead(repo, owner))
	require.True(t, identity.CanRead(repo, reader))
	require.True(t, identity.CanRead(repo, admin))
	require.False(t, identity.CanRead(repo, stranger))

	require.True(t, identity.CanPublish(repo, publisher))
	require.False(t, identity.CanPublish(repo, reader))
}

func TestIdentityPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := identity.Open(dir)
	require.NoError(t, err)
	user, _, _, err := m.Bootstrap("alice", nil)
	require.NoError(t, err)

	m2, err := identity.Open(dir)
	require.NoError(t, err)
	got, ok := m2.GetUser(user.ID)
	require.True(t, ok)
	require.Equal(t, "alice", got.Handle)
	require.True(t, m2.HasAdmin())
}
