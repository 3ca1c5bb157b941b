package types

// SnapStats counts the traversal that produced a snapshot.
type SnapStats struct {
	Files    int   `json:"files"`
	Dirs     int   `json:"dirs"`
	Symlinks int   `json:"symlinks"`
	Bytes    int64 `json:"bytes"`
}

// SnapRecord names a root manifest at a point in time. Id is
// BLAKE3(CreatedAt || RootManifest); CreatedAt is RFC 3339 UTC, stored
// pre-formatted so canonical bytes never depend on time.Time's own
// marshaling.
type SnapRecord struct {
	Version      int       `json:"version"`
	ID           ObjectId  `json:"id"`
	CreatedAt    string    `json:"created_at"`
	RootManifest ObjectId  `json:"root_manifest"`
	Message      *string   `json:"message,omitempty"`
	Stats        SnapStats `json:"stats"`
}

const SnapRecordVersion = 1
