package types

// Publication asserts that a snap exists at a (scope, gate) by a user. Id
// is BLAKE3 over (repo, snap, scope, gate, publisher, created_at). At most
// one publication may exist per (snap, scope, gate); duplicates are
// rejected with Conflict.
type Publication struct {
	ID              string      `json:"id"`
	SnapID          ObjectId    `json:"snap_id"`
	Scope           string      `json:"scope"`
	Gate            string      `json:"gate"`
	PublisherUserID string      `json:"publisher_user_id"`
	CreatedAt       string      `json:"created_at"`
	MetadataOnly    bool        `json:"metadata_only,omitempty"`
	Resolution      *Resolution `json:"resolution,omitempty"`
}
