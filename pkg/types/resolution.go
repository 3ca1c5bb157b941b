package types

// Resolution is a per-bundle mapping from manifest-relative path to a
// decision selecting one variant of a superposition at that path.
// Decisions are versioned: v1 is index-based (legacy), v2 is key-based
// (preferred, survives re-coalescing). Go's encoding/json marshals
// string-keyed maps with sorted keys, which already gives Decisions a
// canonical byte representation without an explicit sort pass.
type Resolution struct {
	Version   int                          `json:"version"`
	Decisions map[string]ResolutionDecision `json:"decisions"`
}

const (
	ResolutionVersionIndex = 1
	ResolutionVersionKey   = 2
)

// ResolutionDecision is either a legacy variant-list index or a preferred
// VariantKey. Exactly one should be set.
type ResolutionDecision struct {
	Index *int        `json:"index,omitempty"`
	Key   *VariantKey `json:"key,omitempty"`
}

// ValidationReport is the result of validating a Resolution against a
// root manifest's current superposition set.
type ValidationReport struct {
	Missing     []string `json:"missing"`
	Extraneous  []string `json:"extraneous"`
	OutOfRange  []string `json:"out_of_range"`
	InvalidKeys []string `json:"invalid_keys"`
}

// OK reports whether the report carries no problems.
func (r ValidationReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Extraneous) == 0 && len(r.OutOfRange) == 0 && len(r.InvalidKeys) == 0
}
