package types

// Bundle is a promotion candidate produced by coalescing one or more
// publications at the same (scope, gate). Id is BLAKE3 over (repo, scope,
// gate, root_manifest, sorted input_publications, creator, created_at).
type Bundle struct {
	ID                string   `json:"id"`
	Scope             string   `json:"scope"`
	Gate              string   `json:"gate"`
	RootManifest      ObjectId `json:"root_manifest"`
	InputPublications []string `json:"input_publications"`
	CreatedByUserID   string   `json:"created_by_user_id"`
	CreatedAt         string   `json:"created_at"`
	Promotable        bool     `json:"promotable"`
	Reasons           []string `json:"reasons"`
	Approvals         []string `json:"approvals"`
}
