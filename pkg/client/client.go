// Package client is an HTTP client for the Convergence REST API,
// wrapping net/http.Client with bounded exponential backoff on transport
// and 5xx failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/types"
)

// Client talks to one converged server on behalf of one user.
type Client struct {
	BaseURL string
	Token   string

	http        *http.Client
	maxAttempts uint64
}

// Options configures a Client beyond the base URL and token.
type Options struct {
	HTTPClient  *http.Client
	MaxAttempts uint64
}

// DefaultMaxAttempts bounds the exponential backoff's retries on
// transport/5xx failures.
const DefaultMaxAttempts = 5

// New constructs a Client against baseURL, authenticating with token.
func New(baseURL, token string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Client{BaseURL: baseURL, Token: token, http: httpClient, maxAttempts: maxAttempts}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// do sends one request, retrying transport errors and 5xx responses with
// exponential backoff; 4xx responses are classified and returned
// immediately without retry.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return cvgerr.Validationf("encoding request body: %v", err)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxAttempts-1), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(cvgerr.Validationf("building request: %v", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return cvgerr.Transportf(err, "%s %s", method, path)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return backoff.Permanent(cvgerr.Iof(err, "decoding response"))
				}
			}
			return nil
		}

		var eb errorBody
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = string(data)
		}
		httpErr := fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, eb.Error)

		if resp.StatusCode >= 500 {
			return httpErr
		}
		return backoff.Permanent(wrapClientError(resp.StatusCode, eb, httpErr))
	}

	return backoff.Retry(op, bo)
}

// wrapClientError translates a non-retryable HTTP status into the closest
// cvgerr.Kind so CLI callers can switch on it the same way server-side
// callers do.
func wrapClientError(status int, eb errorBody, fallback error) error {
	switch status {
	case http.StatusNotFound:
		return cvgerr.NotFoundf("%s", eb.Error)
	case http.StatusConflict:
		return cvgerr.Conflictf("%s", eb.Error)
	case http.StatusForbidden:
		return cvgerr.Forbiddenf("%s", eb.Error)
	case http.StatusBadRequest:
		if eb.Kind == string(cvgerr.UnresolvedConflict) {
			return cvgerr.UnresolvedConflictf("%s", eb.Error)
		}
		return cvgerr.Validationf("%s", eb.Error)
	default:
		return fallback
	}
}

// --- auth & admin ---

type BootstrapResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

func (c *Client) Bootstrap(ctx context.Context, handle string) (*BootstrapResponse, error) {
	var out BootstrapResponse
	err := c.do(ctx, http.MethodPost, "/bootstrap", map[string]string{"handle": handle}, &out)
	return &out, err
}

type WhoamiResponse struct {
	User  types.User `json:"user"`
	Admin bool       `json:"admin"`
}

func (c *Client) Whoami(ctx context.Context) (*WhoamiResponse, error) {
	var out WhoamiResponse
	err := c.do(ctx, http.MethodGet, "/whoami", nil, &out)
	return &out, err
}

func (c *Client) CreateUser(ctx context.Context, handle string, admin bool) (*types.User, error) {
	var out types.User
	err := c.do(ctx, http.MethodPost, "/users", map[string]any{"handle": handle, "admin": admin}, &out)
	return &out, err
}

func (c *Client) ListUsers(ctx context.Context) ([]types.User, error) {
	var out []types.User
	err := c.do(ctx, http.MethodGet, "/users", nil, &out)
	return out, err
}

type CreateTokenResponse struct {
	Secret string            `json:"token"`
	Record types.AccessToken `json:"record"`
}

func (c *Client) CreateToken(ctx context.Context, userID string, label string) (*CreateTokenResponse, error) {
	var out CreateTokenResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/tokens", userID), map[string]*string{"label": &label}, &out)
	return &out, err
}

func (c *Client) ListTokens(ctx context.Context, userID string) ([]types.AccessToken, error) {
	var out []types.AccessToken
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%s/tokens", userID), nil, &out)
	return out, err
}

func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tokens/%s", tokenID), nil, nil)
}

// --- repo & gates ---

func (c *Client) CreateRepo(ctx context.Context, repoID string) error {
	return c.do(ctx, http.MethodPost, "/repos", map[string]string{"id": repoID}, nil)
}

func (c *Client) GetRepo(ctx context.Context, repoID string) (*types.Repo, error) {
	var out types.Repo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s", repoID), nil, &out)
	return &out, err
}

func (c *Client) GetGateGraph(ctx context.Context, repoID string) (*types.GateGraph, error) {
	var out types.GateGraph
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/gate-graph", repoID), nil, &out)
	return &out, err
}

func (c *Client) SetGateGraph(ctx context.Context, repoID string, graph types.GateGraph) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/gate-graph", repoID), graph, nil)
}

func (c *Client) AddReader(ctx context.Context, repoID, userID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/readers", repoID), map[string]string{"user_id": userID}, nil)
}

func (c *Client) AddPublisher(ctx context.Context, repoID, userID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/publishers", repoID), map[string]string{"user_id": userID}, nil)
}

func (c *Client) AddScope(ctx context.Context, repoID, scope string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/scopes", repoID), map[string]string{"scope": scope}, nil)
}

// --- lanes ---

func (c *Client) EnsureLane(ctx context.Context, repoID, laneID string, members []string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/lanes", repoID), map[string]any{"id": laneID, "members": members}, nil)
}

func (c *Client) AddLaneMember(ctx context.Context, repoID, laneID, userID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/lanes/%s/members", repoID, laneID), map[string]string{"user_id": userID}, nil)
}

func (c *Client) UpdateLaneHead(ctx context.Context, repoID, laneID, userID string, snapID types.ObjectId, clientID string) error {
	body := map[string]string{"snap_id": string(snapID), "client_id": clientID}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/lanes/%s/heads/%s", repoID, laneID, userID), body, nil)
}

func (c *Client) GetLane(ctx context.Context, repoID, laneID string) (*types.Lane, error) {
	var out types.Lane
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/lanes/%s", repoID, laneID), nil, &out)
	return &out, err
}

// --- objects ---

// Missing implements the two-phase upload plan's ask step: given every
// object id a snap transitively references, it returns the subset the
// server doesn't already have.
func (c *Client) Missing(ctx context.Context, repoID string, ids MissingRequest) (MissingRequest, error) {
	var out MissingRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/objects/missing", repoID), ids, &out)
	return out, err
}

// MissingRequest/Response share a shape: object ids grouped by kind.
// Resolutions have no kind here: they're minted fresh per publication by
// the publisher and never deduplicated against the server's store.
type MissingRequest struct {
	Blobs     []types.ObjectId `json:"blobs,omitempty"`
	Manifests []types.ObjectId `json:"manifests,omitempty"`
	Recipes   []types.ObjectId `json:"recipes,omitempty"`
	Snaps     []types.ObjectId `json:"snaps,omitempty"`
}

// Empty reports whether no ids remain in any category.
func (m MissingRequest) Empty() bool {
	return len(m.Blobs) == 0 && len(m.Manifests) == 0 && len(m.Recipes) == 0 && len(m.Snaps) == 0
}

func (c *Client) PutBlob(ctx context.Context, repoID string, id types.ObjectId, data []byte) error {
	return c.putRaw(ctx, fmt.Sprintf("/repos/%s/objects/blobs/%s", repoID, id), data)
}

func (c *Client) GetBlob(ctx context.Context, repoID string, id types.ObjectId) ([]byte, error) {
	return c.getRaw(ctx, fmt.Sprintf("/repos/%s/objects/blobs/%s", repoID, id))
}

func (c *Client) putRaw(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return cvgerr.Validationf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return cvgerr.Transportf(err, "PUT %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ = io.ReadAll(resp.Body)
	return fmt.Errorf("PUT %s: %d %s", path, resp.StatusCode, data)
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, cvgerr.Validationf("building request: %v", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cvgerr.Transportf(err, "GET %s", path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cvgerr.Iof(err, "reading response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) PutManifest(ctx context.Context, repoID string, id types.ObjectId, m *types.Manifest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/objects/manifests/%s", repoID, id), m, nil)
}

func (c *Client) PutRecipe(ctx context.Context, repoID string, id types.ObjectId, rc *types.FileRecipe) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/objects/recipes/%s", repoID, id), rc, nil)
}

func (c *Client) PutSnap(ctx context.Context, repoID string, rec *types.SnapRecord) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/objects/snaps/%s", repoID, rec.ID), rec, nil)
}

func (c *Client) PutResolution(ctx context.Context, repoID string, id types.ObjectId, res *types.Resolution) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/objects/resolutions/%s", repoID, id), res, nil)
}

func (c *Client) GetManifest(ctx context.Context, repoID string, id types.ObjectId) (*types.Manifest, error) {
	var out types.Manifest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/objects/manifests/%s", repoID, id), nil, &out)
	return &out, err
}

func (c *Client) GetSnap(ctx context.Context, repoID string, id types.ObjectId) (*types.SnapRecord, error) {
	var out types.SnapRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/objects/snaps/%s", repoID, id), nil, &out)
	return &out, err
}

func (c *Client) GetRecipe(ctx context.Context, repoID string, id types.ObjectId) (*types.FileRecipe, error) {
	var out types.FileRecipe
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/objects/recipes/%s", repoID, id), nil, &out)
	return &out, err
}

// --- publications, bundles, promotions, releases ---

type CreatePublicationRequest struct {
	SnapID       types.ObjectId    `json:"snap_id"`
	Scope        string            `json:"scope"`
	Gate         string            `json:"gate"`
	MetadataOnly bool              `json:"metadata_only,omitempty"`
	Resolution   *types.Resolution `json:"resolution,omitempty"`
}

func (c *Client) CreatePublication(ctx context.Context, repoID string, req CreatePublicationRequest) (*types.Publication, error) {
	var out types.Publication
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/publications", repoID), req, &out)
	return &out, err
}

func (c *Client) ListPublications(ctx context.Context, repoID string) ([]types.Publication, error) {
	var out []types.Publication
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/publications", repoID), nil, &out)
	return out, err
}

func (c *Client) CreateBundle(ctx context.Context, repoID, scope, gate string, inputPubs []string) (*types.Bundle, error) {
	body := map[string]any{"scope": scope, "gate": gate, "input_publications": inputPubs}
	var out types.Bundle
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/bundles", repoID), body, &out)
	return &out, err
}

func (c *Client) ListBundles(ctx context.Context, repoID, scope, gate string) ([]types.Bundle, error) {
	path := fmt.Sprintf("/repos/%s/bundles", repoID)
	if scope != "" || gate != "" {
		path += "?scope=" + scope + "&gate=" + gate
	}
	var out []types.Bundle
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetBundle(ctx context.Context, repoID, bundleID string) (*types.Bundle, error) {
	var out types.Bundle
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/bundles/%s", repoID, bundleID), nil, &out)
	return &out, err
}

func (c *Client) Approve(ctx context.Context, repoID, bundleID string) (*types.Bundle, error) {
	var out types.Bundle
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/bundles/%s/approve", repoID, bundleID), nil, &out)
	return &out, err
}

func (c *Client) Pin(ctx context.Context, repoID, bundleID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/bundles/%s/pin", repoID, bundleID), nil, nil)
}

func (c *Client) Unpin(ctx context.Context, repoID, bundleID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/bundles/%s/pin", repoID, bundleID), nil, nil)
}

func (c *Client) Promote(ctx context.Context, repoID, bundleID, toGate string) (*types.Promotion, error) {
	body := map[string]string{"bundle_id": bundleID, "to_gate": toGate}
	var out types.Promotion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/promotions", repoID), body, &out)
	return &out, err
}

func (c *Client) Release(ctx context.Context, repoID, channel, bundleID string, notes *string) (*types.Release, error) {
	body := map[string]any{"channel": channel, "bundle_id": bundleID, "notes": notes}
	var out types.Release
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/releases", repoID), body, &out)
	return &out, err
}

func (c *Client) ListReleases(ctx context.Context, repoID string) ([]types.Release, error) {
	var out []types.Release
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/releases", repoID), nil, &out)
	return out, err
}

func (c *Client) GetRelease(ctx context.Context, repoID, channel string) (*types.Release, error) {
	var out types.Release
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/releases/%s", repoID, channel), nil, &out)
	return &out, err
}

// --- GC ---

func (c *Client) GC(ctx context.Context, repoID string, dryRun, pruneMetadata bool, keepLastReleases int) (json.RawMessage, error) {
	path := fmt.Sprintf("/repos/%s/gc?dry_run=%t&prune_metadata=%t&prune_releases_keep_last=%d",
		repoID, dryRun, pruneMetadata, keepLastReleases)
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}
