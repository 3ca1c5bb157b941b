package types

// LaneHead is one user's current unpublished-work pointer within a lane.
type LaneHead struct {
	SnapID    ObjectId `json:"snap_id"`
	UpdatedAt string   `json:"updated_at"`
	ClientID  string   `json:"client_id,omitempty"`
}

// Lane is a collaboration surface for unpublished work, shared by its
// Members. Heads holds each member's current pointer; HeadHistory retains
// the last K per user (K = 5 by default, see pkg/repo).
type Lane struct {
	ID          string                `json:"id"`
	Members     []string              `json:"members"`
	Heads       map[string]LaneHead   `json:"heads"`
	HeadHistory map[string][]LaneHead `json:"head_history"`
}
