// Package identity implements Convergence's users, bearer tokens, and
// authorization predicates: a map behind a sync.RWMutex with a
// mint/validate pair, persisted to disk, with secrets stored only as
// their BLAKE3 digest.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// Manager holds the server's process-global identity state: every user
// and access token, behind one reader-writer lock.
type Manager struct {
	mu           sync.RWMutex
	dataDir      string
	users        map[string]*types.User      // by user id
	handles      map[string]*types.User      // by handle, for lookup convenience
	tokensByHash map[string]*types.AccessToken
}

// Open loads (or initializes) the identity store rooted at dataDir/identity.
func Open(dataDir string) (*Manager, error) {
	m := &Manager{
		dataDir:      dataDir,
		users:        map[string]*types.User{},
		handles:      map[string]*types.User{},
		tokensByHash: map[string]*types.AccessToken{},
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "identity"), 0o755); err != nil {
		return nil, cvgerr.Iof(err, "creating identity directory")
	}
	if err := m.hydrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) usersPath() string  { return filepath.Join(m.dataDir, "identity", "users.json") }
func (m *Manager) tokensPath() string { return filepath.Join(m.dataDir, "identity", "tokens.json") }

func (m *Manager) hydrate() error {
	usersData, uErr := readJSONIfExists(m.usersPath())
	if uErr != nil {
		return uErr
	}
	var users []*types.User
	if usersData != nil {
		if err := canon.Unmarshal(usersData, &users); err != nil {
			return cvgerr.Iof(err, "decoding users.json")
		}
	}
	tokensData, tErr := readJSONIfExists(m.tokensPath())
	if tErr != nil {
		return tErr
	}
	var tokens []*types.AccessToken
	if tokensData != nil {
		if err := canon.Unmarshal(tokensData, &tokens); err != nil {
			return cvgerr.Iof(err, "decoding tokens.json")
		}
	}
	for _, u := range users {
		m.users[u.ID] = u
		m.handles[u.Handle] = u
	}
	for _, t := range tokens {
		m.tokensByHash[t.TokenHash] = t
	}
	return nil
}

func (m *Manager) persistLocked() error {
	users := make([]*types.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	tokens := make([]*types.AccessToken, 0, len(m.tokensByHash))
	for _, t := range m.tokensByHash {
		tokens = append(tokens, t)
	}
	usersBytes, err := canon.Marshal(users)
	if err != nil {
		return cvgerr.Iof(err, "marshaling users")
	}
	tokensBytes, err := canon.Marshal(tokens)
	if err != nil {
		return cvgerr.Iof(err, "marshaling tokens")
	}
	if err := store.WriteAtomicf(m.usersPath(), usersBytes, "writing users.json"); err != nil {
		return err
	}
	return store.WriteAtomicf(m.tokensPath(), tokensBytes, "writing tokens.json")
}

// HashToken returns the hex BLAKE3 digest of a bearer secret, the only
// form a secret is ever stored in.
func HashToken(secret string) string {
	return string(canon.ID([]byte(secret)))
}

func randomID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", cvgerr.Iof(err, "generating random id")
	}
	return hex.EncodeToString(b), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", cvgerr.Iof(err, "generating token secret")
	}
	return hex.EncodeToString(b), nil
}

// HasAdmin reports whether any admin user already exists.
func (m *Manager) HasAdmin() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Admin {
			return true
		}
	}
	return false
}

// Bootstrap creates the first admin user and mints its first token. It is
// a one-shot: a second call after any admin exists fails with Conflict.
func (m *Manager) Bootstrap(handle string, displayName *string) (*types.User, string, *types.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Admin {
			return nil, "", nil, cvgerr.Conflictf("server already has an admin user")
		}
	}
	id, err := randomID()
	if err != nil {
		return nil, "", nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	user := &types.User{ID: id, Handle: handle, DisplayName: displayName, Admin: true, CreatedAt: now}
	m.users[user.ID] = user
	m.handles[user.Handle] = user

	secret, token, err := m.mintTokenLocked(user.ID, nil, nil)
	if err != nil {
		return nil, "", nil, err
	}
	if err := m.persistLocked(); err != nil {
		return nil, "", nil, err
	}
	log.WithComponent("identity").Info().Str("user_id", user.ID).Msg("bootstrap: admin user created")
	return user, secret, token, nil
}

// CreateUser registers a new (non-admin by default) user. Handles must be
// unique.
func (m *Manager) CreateUser(handle string, displayName *string, admin bool) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handles[handle]; exists {
		return nil, cvgerr.Conflictf("handle %q already in use", handle)
	}
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	user := &types.User{ID: id, Handle: handle, DisplayName: displayName, Admin: admin, CreatedAt: now}
	m.users[user.ID] = user
	m.handles[user.Handle] = user
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns every known user, sorted by handle.
func (m *Manager) ListUsers() []*types.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// GetUser looks up a user by id.
func (m *Manager) GetUser(id string) (*types.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

// GetUserByHandle looks up a user by handle.
func (m *Manager) GetUserByHandle(handle string) (*types.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.handles[handle]
	return u, ok
}

// CreateToken mints a new bearer token for userID, returning the one-time
// secret alongside its persisted record.
func (m *Manager) CreateToken(userID string, label *string, expiresAt *string) (string, *types.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return "", nil, cvgerr.NotFoundf("user %s not found", userID)
	}
	secret, token, err := m.mintTokenLocked(userID, label, expiresAt)
	if err != nil {
		return "", nil, err
	}
	if err := m.persistLocked(); err != nil {
		return "", nil, err
	}
	return secret, token, nil
}

func (m *Manager) mintTokenLocked(userID string, label *string, expiresAt *string) (string, *types.AccessToken, error) {
	id, err := randomID()
	if err != nil {
		return "", nil, err
	}
	secret, err := randomSecret()
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tok := &types.AccessToken{
		ID:        id,
		UserID:    userID,
		TokenHash: HashToken(secret),
		Label:     label,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	m.tokensByHash[tok.TokenHash] = tok
	return secret, tok, nil
}

// ListTokens returns every token belonging to userID.
func (m *Manager) ListTokens(userID string) []*types.AccessToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.AccessToken
	for _, t := range m.tokensByHash {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RevokeToken marks a token revoked by its id (not its hash, which callers
// don't retain).
func (m *Manager) RevokeToken(tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokensByHash {
		if t.ID == tokenID {
			now := time.Now().UTC().Format(time.RFC3339)
			t.RevokedAt = &now
			return m.persistLocked()
		}
	}
	return cvgerr.NotFoundf("token %s not found", tokenID)
}

// Authenticate resolves a bearer secret to its user, rejecting revoked or
// expired tokens, and stamps LastUsedAt.
func (m *Manager) Authenticate(secret string) (*types.User, error) {
	hash := HashToken(secret)
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokensByHash[hash]
	if !ok {
		return nil, cvgerr.Forbiddenf("invalid bearer token")
	}
	if tok.RevokedAt != nil {
		return nil, cvgerr.Forbiddenf("token has been revoked")
	}
	if tok.ExpiresAt != nil {
		if exp, err := time.Parse(time.RFC3339, *tok.ExpiresAt); err == nil && time.Now().UTC().After(exp) {
			return nil, cvgerr.Forbiddenf("token has expired")
		}
	}
	user, ok := m.users[tok.UserID]
	if !ok {
		return nil, cvgerr.Forbiddenf("token's user no longer exists")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tok.LastUsedAt = &now
	// Last-used stamping is best-effort telemetry; persistence failure
	// here must not fail the request it's auditing.
	_ = m.persistLocked()
	return user, nil
}

// CanRead reports whether user may read repo: owner, reader by id or
// handle, or admin.
func CanRead(repo *types.Repo, user *types.User) bool {
	if user.Admin || repo.OwnerID == user.ID {
		return true
	}
	for _, id := range repo.ReaderIDs {
		if id == user.ID {
			return true
		}
	}
	for _, h := range repo.ReaderHandles {
		if h == user.Handle {
			return true
		}
	}
	return false
}

// CanPublish reports whether user may publish to repo: owner, publisher
// by id or handle, or admin.
func CanPublish(repo *types.Repo, user *types.User) bool {
	if user.Admin || repo.OwnerID == user.ID {
		return true
	}
	for _, id := range repo.PublisherIDs {
		if id == user.ID {
			return true
		}
	}
	for _, h := range repo.PublisherHandles {
		if h == user.Handle {
			return true
		}
	}
	return false
}

// ResolveHandle maps a handle to its user id, for callers (repo
// membership migration) that hold handles from documents written before
// user ids existed.
func (m *Manager) ResolveHandle(handle string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.handles[handle]
	if !ok {
		return "", false
	}
	return u.ID, true
}

func readJSONIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading %s", path)
	}
	return data, nil
}
