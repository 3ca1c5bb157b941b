package types

// Repo aggregates a repository's metadata: membership, lanes, gate graph,
// scopes, known snap ids, and the append-only vectors of publications,
// bundles, promotions, and releases. It is persisted whole on every
// mutation as repo.json (see pkg/store).
type Repo struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// Membership. ReaderIDs/PublisherIDs are the canonical id-based sets;
	// ReaderHandles/PublisherHandles are retained only for compatibility
	// with entries created before a user had an id on hand, and are
	// migrated to id-based entries the first time the repo is hydrated.
	ReaderIDs       []string `json:"reader_user_ids"`
	PublisherIDs    []string `json:"publisher_user_ids"`
	ReaderHandles   []string `json:"readers,omitempty"`
	PublisherHandles []string `json:"publishers,omitempty"`

	Scopes    []string  `json:"scopes"`
	SnapIDs   []ObjectId `json:"snap_ids"`
	GateGraph GateGraph `json:"gate_graph"`
	Lanes     []Lane    `json:"lanes"`

	Publications []Publication `json:"publications"`
	Bundles      []Bundle      `json:"bundles"`
	Promotions   []Promotion   `json:"promotions"`
	Releases     []Release     `json:"releases"`

	// PromotionState[scope][gate] = bundle_id currently occupying that slot.
	PromotionState map[string]map[string]string `json:"promotion_state"`

	PinnedBundles []string `json:"pinned_bundles"`

	CreatedAt string `json:"created_at"`
}

const RepoVersion = 1

// NewRepo constructs an empty repo owned by ownerID.
func NewRepo(id, ownerID, createdAt string) *Repo {
	return &Repo{
		Version:        RepoVersion,
		ID:             id,
		OwnerID:        ownerID,
		ReaderIDs:      []string{},
		PublisherIDs:   []string{},
		Scopes:         []string{},
		SnapIDs:        []ObjectId{},
		GateGraph:      GateGraph{Version: GateGraphVersion, Gates: []GateDef{}},
		Lanes:          []Lane{},
		Publications:   []Publication{},
		Bundles:        []Bundle{},
		Promotions:     []Promotion{},
		Releases:       []Release{},
		PromotionState: map[string]map[string]string{},
		PinnedBundles:  []string{},
		CreatedAt:      createdAt,
	}
}

// FindGate returns the gate definition with the given id, if present.
func (r *Repo) FindGate(id string) (GateDef, bool) {
	for _, g := range r.GateGraph.Gates {
		if g.ID == id {
			return g, true
		}
	}
	return GateDef{}, false
}

// DownstreamOf reports whether `to` is reachable from `from` by following
// each gate's Upstream edges in reverse (from -> to is an upstream edge on
// `to`).
func (r *Repo) DownstreamOf(from, to string) bool {
	toGate, ok := r.FindGate(to)
	if !ok {
		return false
	}
	for _, up := range toGate.Upstream {
		if up == from {
			return true
		}
		if r.DownstreamOf(from, up) {
			return true
		}
	}
	return false
}

// TerminalGates returns the ids of gates with no downstream gate, the
// subset from which non-admin releases may be made when the gate also
// sets AllowReleases.
func (r *Repo) TerminalGates() []string {
	hasDownstream := map[string]bool{}
	for _, g := range r.GateGraph.Gates {
		for _, up := range g.Upstream {
			hasDownstream[up] = true
		}
	}
	var out []string
	for _, g := range r.GateGraph.Gates {
		if !hasDownstream[g.ID] {
			out = append(out, g.ID)
		}
	}
	return out
}

// FindBundle returns the bundle with the given id, if present.
func (r *Repo) FindBundle(id string) (*Bundle, bool) {
	for i := range r.Bundles {
		if r.Bundles[i].ID == id {
			return &r.Bundles[i], true
		}
	}
	return nil, false
}

// FindPublication returns the publication with the given id, if present.
func (r *Repo) FindPublication(id string) (*Publication, bool) {
	for i := range r.Publications {
		if r.Publications[i].ID == id {
			return &r.Publications[i], true
		}
	}
	return nil, false
}
