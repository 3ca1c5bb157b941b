// Package repo implements Convergence's repository state machine:
// publications, bundles, promotions, releases, pins, lanes, and gate-graph
// management over a single repo's object store, plus the promotion
// policy (policy.go) that gates every transition.
package repo

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/metrics"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

// State is one repository's live state: its persisted metadata document
// plus the object store backing it, guarded by a single reader-writer
// lock: a write to repo R serializes with every other write to R and
// with every read observing R's repo.json.
type State struct {
	mu      sync.RWMutex
	dataDir string
	repo    *types.Repo
	objects *store.Store
}

func repoDir(dataDir, repoID string) string {
	return filepath.Join(dataDir, "repos", repoID)
}

func repoJSONPath(dataDir, repoID string) string {
	return filepath.Join(repoDir(dataDir, repoID), "repo.json")
}

// Create initializes a brand-new repo owned by ownerID and persists it.
func Create(dataDir, repoID, ownerID string) (*State, error) {
	dir := repoDir(dataDir, repoID)
	if _, err := os.Stat(repoJSONPath(dataDir, repoID)); err == nil {
		return nil, cvgerr.Conflictf("repo %s already exists", repoID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cvgerr.Iof(err, "creating repo directory")
	}
	objects, err := store.Open(filepath.Join(dir, "objects"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	r := types.NewRepo(repoID, ownerID, now)
	s := &State{dataDir: dataDir, repo: r, objects: objects}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	log.WithRepo(repoID).Info().Str("owner_id", ownerID).Msg("repo created")
	return s, nil
}

// Load hydrates a repo's State from its on-disk repo.json.
func Load(dataDir, repoID string) (*State, error) {
	path := repoJSONPath(dataDir, repoID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("repo %s not found", repoID)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading %s", path)
	}
	var r types.Repo
	if err := canon.Unmarshal(data, &r); err != nil {
		return nil, cvgerr.Iof(err, "decoding repo.json for %s", repoID)
	}
	objects, err := store.Open(filepath.Join(repoDir(dataDir, repoID), "objects"))
	if err != nil {
		return nil, err
	}
	return &State{dataDir: dataDir, repo: &r, objects: objects}, nil
}

// ListRepoIDs enumerates every repo directory under dataDir/repos.
func ListRepoIDs(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "repos"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "listing repos")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *State) persistLocked() error {
	data, err := canon.Marshal(s.repo)
	if err != nil {
		return cvgerr.Iof(err, "marshaling repo %s", s.repo.ID)
	}
	return store.WriteAtomicf(repoJSONPath(s.dataDir, s.repo.ID), data, "writing repo.json for %s", s.repo.ID)
}

// Snapshot returns a deep-enough copy of the repo's current metadata for
// read-only callers (API responses, CLI `status`).
func (s *State) Snapshot() types.Repo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.repo
}

// Store returns the repo's content-addressed object store.
func (s *State) Store() *store.Store {
	return s.objects
}

// ID returns the repo's id without needing a lock (immutable after Create/Load).
func (s *State) ID() string {
	return s.repo.ID
}

// --- membership ---

// AddReader grants repo-read access to userID.
func (s *State) AddReader(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.ReaderIDs = appendUnique(s.repo.ReaderIDs, userID)
	return s.persistLocked()
}

// AddPublisher grants repo-publish access to userID.
func (s *State) AddPublisher(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.PublisherIDs = appendUnique(s.repo.PublisherIDs, userID)
	return s.persistLocked()
}

// AddScope registers a new scope name on the repo.
func (s *State) AddScope(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.Scopes = appendUnique(s.repo.Scopes, scope)
	return s.persistLocked()
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// MigrateHandles moves any legacy handle-based membership entries into
// the id-based sets, resolving each handle through resolve. Called once
// per repo on hydration; persists only when something actually migrated.
// The predicates in pkg/identity still honor handle entries for repo
// documents written before a daemon with this migration loaded them.
func (s *State) MigrateHandles(resolve func(handle string) (string, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.repo.ReaderHandles) == 0 && len(s.repo.PublisherHandles) == 0 {
		return nil
	}
	s.repo.ReaderIDs = mergeMigrated(s.repo.ReaderIDs, s.repo.ReaderHandles, resolve)
	s.repo.PublisherIDs = mergeMigrated(s.repo.PublisherIDs, s.repo.PublisherHandles, resolve)
	s.repo.ReaderHandles = nil
	s.repo.PublisherHandles = nil
	log.WithRepo(s.repo.ID).Info().Msg("migrated handle-based membership to user ids")
	return s.persistLocked()
}

func mergeMigrated(ids []string, handles []string, resolve func(handle string) (string, bool)) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids)+len(handles))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, h := range handles {
		if id, ok := resolve(h); ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// --- gate graph ---

// SetGateGraph validates and replaces the repo's gate graph wholesale.
func (s *State) SetGateGraph(graph types.GateGraph) error {
	if err := validateGateGraph(graph); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	graph.Version = types.GateGraphVersion
	s.repo.GateGraph = graph
	return s.persistLocked()
}

// --- publications ---

// CreatePublicationInput carries a caller's request to assert that a snap
// exists at a (scope, gate).
type CreatePublicationInput struct {
	SnapID          types.ObjectId
	Scope           string
	Gate            string
	PublisherUserID string
	MetadataOnly    bool
	Resolution      *types.Resolution
}

// CreatePublication validates and records a publication.
func (s *State) CreatePublication(in CreatePublicationInput) (*types.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !contains(s.repo.Scopes, in.Scope) {
		return nil, cvgerr.Validationf("unknown scope %q", in.Scope)
	}
	gate, ok := s.repo.FindGate(in.Gate)
	if !ok {
		return nil, cvgerr.Validationf("unknown gate %q", in.Gate)
	}
	hasSnap, err := s.objects.HasSnap(in.SnapID)
	if err != nil {
		return nil, err
	}
	if !hasSnap {
		return nil, cvgerr.NotFoundf("snap %s not found on server", in.SnapID)
	}
	for _, p := range s.repo.Publications {
		if p.SnapID == in.SnapID && p.Scope == in.Scope && p.Gate == in.Gate {
			return nil, cvgerr.Conflictf("publication already exists for (snap=%s, scope=%s, gate=%s)", in.SnapID, in.Scope, in.Gate)
		}
	}

	snap, err := s.objects.GetSnap(in.SnapID)
	if err != nil {
		return nil, err
	}
	if in.MetadataOnly {
		if !gate.AllowMetadataOnlyPublication {
			return nil, cvgerr.Forbiddenf("gate %q does not allow metadata-only publications", in.Gate)
		}
		if err := checkAvailability(s.objects, snap.RootManifest, false); err != nil {
			return nil, err
		}
	} else {
		if err := checkAvailability(s.objects, snap.RootManifest, true); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pub := &types.Publication{
		ID:              publicationID(s.repo.ID, in.SnapID, in.Scope, in.Gate, in.PublisherUserID, now),
		SnapID:          in.SnapID,
		Scope:           in.Scope,
		Gate:            in.Gate,
		PublisherUserID: in.PublisherUserID,
		CreatedAt:       now,
		MetadataOnly:    in.MetadataOnly,
		Resolution:      in.Resolution,
	}
	s.repo.Publications = append(s.repo.Publications, *pub)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.PublicationsTotal.WithLabelValues(in.Scope, in.Gate).Inc()
	log.WithRepo(s.repo.ID).Info().Str("publication_id", pub.ID).Str("scope", in.Scope).Str("gate", in.Gate).Msg("publication created")
	return pub, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// --- bundles ---

// CreateBundle coalesces the snap roots of inputPubIDs (which must all
// share the given scope/gate) into one bundle.
func (s *State) CreateBundle(scope, gate string, inputPubIDs []string, creator string) (*types.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repo.FindGate(gate); !ok {
		return nil, cvgerr.Validationf("unknown gate %q", gate)
	}
	if len(inputPubIDs) == 0 {
		return nil, cvgerr.Validationf("bundle requires at least one input publication")
	}

	var inputs []superpose.Input
	for _, id := range inputPubIDs {
		pub, ok := s.repo.FindPublication(id)
		if !ok {
			return nil, cvgerr.NotFoundf("publication %s not found", id)
		}
		if pub.Scope != scope || pub.Gate != gate {
			return nil, cvgerr.Validationf("publication %s does not match requested (scope=%s, gate=%s)", id, scope, gate)
		}
		snap, err := s.objects.GetSnap(pub.SnapID)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, superpose.Input{PublicationID: pub.ID, Root: snap.RootManifest})
	}

	timer := metrics.NewTimer()
	root, err := superpose.Coalesce(s.objects, inputs)
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.CoalesceDuration)

	hasSup, err := superpose.HasSuperpositions(s.objects, root)
	if err != nil {
		return nil, err
	}
	gateDef, _ := s.repo.FindGate(gate)
	promotable, reasons := Promotable(gateDef, hasSup, 0)

	now := time.Now().UTC().Format(time.RFC3339)
	sortedInputs := append([]string(nil), inputPubIDs...)
	sort.Strings(sortedInputs)
	b := &types.Bundle{
		ID:                bundleID(s.repo.ID, scope, gate, root, inputPubIDs, creator, now),
		Scope:             scope,
		Gate:              gate,
		RootManifest:      root,
		InputPublications: sortedInputs,
		CreatedByUserID:   creator,
		CreatedAt:         now,
		Promotable:        promotable,
		Reasons:           reasons,
		Approvals:         []string{},
	}
	s.repo.Bundles = append(s.repo.Bundles, *b)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.BundlesTotal.WithLabelValues(scope, gate).Inc()
	log.WithRepo(s.repo.ID).Info().Str("bundle_id", b.ID).Bool("promotable", promotable).Msg("bundle created")
	return b, nil
}

// Approve adds userID to bundleID's approvals and recomputes promotability.
func (s *State) Approve(bundleID, userID string) (*types.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.repo.FindBundle(bundleID)
	if !ok {
		return nil, cvgerr.NotFoundf("bundle %s not found", bundleID)
	}
	for _, a := range b.Approvals {
		if a == userID {
			return nil, cvgerr.Conflictf("user %s has already approved bundle %s", userID, bundleID)
		}
	}
	b.Approvals = append(b.Approvals, userID)
	sort.Strings(b.Approvals)

	hasSup, err := superpose.HasSuperpositions(s.objects, b.RootManifest)
	if err != nil {
		return nil, err
	}
	gate, _ := s.repo.FindGate(b.Gate)
	b.Promotable, b.Reasons = Promotable(gate, hasSup, len(b.Approvals))

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// --- promotions ---

// Promote moves bundleID from its current gate to toGate.
func (s *State) Promote(bundleID, toGate, userID string) (*types.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.repo.FindBundle(bundleID)
	if !ok {
		return nil, cvgerr.NotFoundf("bundle %s not found", bundleID)
	}
	if _, ok := s.repo.FindGate(toGate); !ok {
		return nil, cvgerr.Validationf("unknown gate %q", toGate)
	}
	if !s.repo.DownstreamOf(b.Gate, toGate) {
		return nil, cvgerr.Validationf("%q is not downstream of %q", toGate, b.Gate)
	}
	if !b.Promotable {
		return nil, cvgerr.Forbiddenf("bundle %s is not promotable: %v", bundleID, b.Reasons)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	p := &types.Promotion{
		BundleID:       bundleID,
		Scope:          b.Scope,
		FromGate:       b.Gate,
		ToGate:         toGate,
		PromotedByUser: userID,
		PromotedAt:     now,
	}
	if s.repo.PromotionState[b.Scope] == nil {
		s.repo.PromotionState[b.Scope] = map[string]string{}
	}
	s.repo.PromotionState[b.Scope][toGate] = bundleID
	s.repo.Promotions = append(s.repo.Promotions, *p)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.PromotionsTotal.WithLabelValues(b.Scope, toGate).Inc()
	log.WithRepo(s.repo.ID).Info().Str("bundle_id", bundleID).Str("to_gate", toGate).Msg("bundle promoted")
	return p, nil
}

// --- releases ---

// Release assigns bundleID to channel. The bundle's current gate must be
// terminal (no downstream) unless the caller is admin.
func (s *State) Release(channel, bundleID, userID string, isAdmin bool, notes *string) (*types.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.repo.FindBundle(bundleID)
	if !ok {
		return nil, cvgerr.NotFoundf("bundle %s not found", bundleID)
	}
	gate, _ := s.repo.FindGate(b.Gate)
	if !isAdmin {
		// Validation, not Forbidden: a non-admin releasing from a
		// non-terminal gate is a malformed release attempt for this
		// channel, not an authorization boundary.
		if !contains(s.repo.TerminalGates(), b.Gate) {
			return nil, cvgerr.Validationf("bundle %s is not at a terminal gate; release from %q requires admin", bundleID, b.Gate)
		}
		if !gate.AllowReleases {
			return nil, cvgerr.Validationf("gate %q does not allow releases", b.Gate)
		}
	}
	if gate.RequiredApprovals > 0 && len(b.Approvals) < gate.RequiredApprovals {
		return nil, cvgerr.Forbiddenf("bundle %s lacks required approvals for gate %q", bundleID, b.Gate)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	r := &types.Release{
		Channel:        channel,
		BundleID:       bundleID,
		Scope:          b.Scope,
		Gate:           b.Gate,
		ReleasedByUser: userID,
		ReleasedAt:     now,
		Notes:          notes,
	}
	s.repo.Releases = append(s.repo.Releases, *r)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ReleasesTotal.WithLabelValues(channel).Inc()
	log.WithRepo(s.repo.ID).Info().Str("channel", channel).Str("bundle_id", bundleID).Msg("release created")
	return r, nil
}

// LatestRelease returns channel's current tip: the release with the
// greatest ReleasedAt.
func (s *State) LatestRelease(channel string) (*types.Release, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.Release
	for i := range s.repo.Releases {
		r := &s.repo.Releases[i]
		if r.Channel != channel {
			continue
		}
		if best == nil || r.ReleasedAt > best.ReleasedAt {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// --- pins ---

// Pin adds bundleID to the repo's retention-root pin set.
func (s *State) Pin(bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repo.FindBundle(bundleID); !ok {
		return cvgerr.NotFoundf("bundle %s not found", bundleID)
	}
	s.repo.PinnedBundles = appendUnique(s.repo.PinnedBundles, bundleID)
	return s.persistLocked()
}

// RegisterSnap records a freshly-uploaded snap id in the repo's known-snap
// set, called by the API layer once a snap object has been accepted into
// the object store.
func (s *State) RegisterSnap(id types.ObjectId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.repo.SnapIDs {
		if existing == id {
			return nil
		}
	}
	s.repo.SnapIDs = append(s.repo.SnapIDs, id)
	return s.persistLocked()
}

// PruneMetadata drops repo-level metadata records that fall outside the
// given retained sets: bundles not in retainedBundles, publications no
// longer referenced by a retained bundle, snap ids outside retainedSnaps,
// and replaces the release history with keptReleases (release-history
// pruning already applied by the caller).
func (s *State) PruneMetadata(retainedBundles map[string]bool, retainedSnaps map[types.ObjectId]bool, keptReleases []types.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bundles []types.Bundle
	referencedPubs := map[string]bool{}
	for _, b := range s.repo.Bundles {
		if retainedBundles[b.ID] {
			bundles = append(bundles, b)
			for _, p := range b.InputPublications {
				referencedPubs[p] = true
			}
		}
	}
	var pubs []types.Publication
	for _, p := range s.repo.Publications {
		if referencedPubs[p.ID] {
			pubs = append(pubs, p)
		}
	}
	var snapIDs []types.ObjectId
	for _, id := range s.repo.SnapIDs {
		if retainedSnaps[id] {
			snapIDs = append(snapIDs, id)
		}
	}

	s.repo.Bundles = bundles
	s.repo.Publications = pubs
	s.repo.Releases = keptReleases
	s.repo.SnapIDs = snapIDs
	return s.persistLocked()
}

// Unpin removes bundleID from the pin set.
func (s *State) Unpin(bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.repo.PinnedBundles[:0:0]
	for _, id := range s.repo.PinnedBundles {
		if id != bundleID {
			out = append(out, id)
		}
	}
	s.repo.PinnedBundles = out
	return s.persistLocked()
}
