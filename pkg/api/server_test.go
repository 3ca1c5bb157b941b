package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/identity"
)

const testBootstrapSecret = "test-bootstrap-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataDir := t.TempDir()
	idm, err := identity.Open(dataDir)
	require.NoError(t, err)
	srv, err := NewServer(dataDir, idm, testBootstrapSecret)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestBootstrapOneShot(t *testing.T) {
	srv := newTestServer(t)

	// Without the bootstrap secret as bearer token the endpoint refuses.
	w := doJSON(t, srv, http.MethodPost, "/bootstrap", "", bootstrapRequest{Handle: "alice"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/bootstrap", testBootstrapSecret, bootstrapRequest{Handle: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp bootstrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	w2 := doJSON(t, srv, http.MethodPost, "/bootstrap", testBootstrapSecret, bootstrapRequest{Handle: "bob"})
	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestBootstrapDisabledWithoutSecret(t *testing.T) {
	dataDir := t.TempDir()
	idm, err := identity.Open(dataDir)
	require.NoError(t, err)
	srv, err := NewServer(dataDir, idm, "")
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost, "/bootstrap", "", bootstrapRequest{Handle: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWhoamiRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/whoami", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/whoami", "not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRepoCreateAndFetch(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/bootstrap", testBootstrapSecret, bootstrapRequest{Handle: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var boot bootstrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &boot))

	wr := doJSON(t, srv, http.MethodPost, "/repos", boot.Token, createRepoRequest{ID: "demo"})
	require.Equal(t, http.StatusOK, wr.Code)

	wg := doJSON(t, srv, http.MethodGet, "/repos/demo", boot.Token, nil)
	assert.Equal(t, http.StatusOK, wg.Code)

	wMissing := doJSON(t, srv, http.MethodGet, "/repos/nope", boot.Token, nil)
	assert.Equal(t, http.StatusNotFound, wMissing.Code)
}
