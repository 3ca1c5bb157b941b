package types

// Promotion records a bundle moving from one gate to a downstream gate.
// At most one bundle occupies a (scope, gate) slot at a time; a later
// promotion overwrites the slot (promotion_state in Repo), but the record
// itself is append-only history.
type Promotion struct {
	BundleID        string `json:"bundle_id"`
	Scope           string `json:"scope"`
	FromGate        string `json:"from_gate"`
	ToGate          string `json:"to_gate"`
	PromotedByUser  string `json:"promoted_by_user_id"`
	PromotedAt      string `json:"promoted_at"`
}

// Release is an admin-authorized assignment of a bundle to a channel.
// Append-only; the latest per channel (by ReleasedAt) is the tip.
type Release struct {
	Channel         string  `json:"channel"`
	BundleID        string  `json:"bundle_id"`
	Scope           string  `json:"scope"`
	Gate            string  `json:"gate"`
	ReleasedByUser  string  `json:"released_by_user_id"`
	ReleasedAt      string  `json:"released_at"`
	Notes           *string `json:"notes,omitempty"`
}
