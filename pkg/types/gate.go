package types

// GateDef is one stage in the promotion DAG.
type GateDef struct {
	ID                           string   `json:"id"`
	Name                         string   `json:"name"`
	Upstream                     []string `json:"upstream"`
	AllowReleases                bool     `json:"allow_releases"`
	AllowSuperpositions          bool     `json:"allow_superpositions"`
	AllowMetadataOnlyPublication bool     `json:"allow_metadata_only_publications"`
	RequiredApprovals            int      `json:"required_approvals"`
}

// GateGraph is the repo's full set of gates. Invariants (enforced by
// pkg/repo): every Upstream id names an existing gate and the graph is
// acyclic. Non-admin releases are permitted only from "terminal" gates
// (gates with no downstream) that also set AllowReleases.
type GateGraph struct {
	Version int       `json:"version"`
	Gates   []GateDef `json:"gates"`
}

const GateGraphVersion = 1
