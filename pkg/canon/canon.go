// Package canon derives Convergence's content addresses: canonical JSON
// bytes and their BLAKE3 digest. Every persisted format is canonical
// JSON, so one encode-then-hash path covers all object kinds.
package canon

import (
	"encoding/hex"
	"encoding/json"

	"github.com/cuemby/convergence/pkg/types"
	"lukechampine.com/blake3"
)

// Marshal produces the canonical byte representation of v. Every
// content-addressed type in pkg/types either relies on encoding/json's
// stable declaration-order struct field emission, or (Manifest, and
// ManifestEntry's Superposition variants) defines its own MarshalJSON to
// guarantee a sorted order regardless of construction order. No map is
// marshaled directly inside a content-addressed object except
// Resolution.Decisions, whose string keys Go's encoding/json already
// emits in sorted order.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ID returns the ObjectId of b: the lowercase hex BLAKE3 digest of b.
func ID(b []byte) types.ObjectId {
	sum := blake3.Sum256(b)
	return types.ObjectId(hex.EncodeToString(sum[:]))
}

// MarshalID is the common case: canonicalize v and derive its ObjectId in
// one step, returning both the bytes (to persist) and the id (to name the
// object by).
func MarshalID(v any) (types.ObjectId, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return ID(b), b, nil
}

// Unmarshal decodes canonical bytes back into v.
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// SnapID derives a SnapRecord's id: BLAKE3(created_at || root_manifest)
// rather than a hash of the record's own serialized bytes. created_at and
// root_manifest alone determine identity, so re-snapshotting an unchanged
// tree at the same instant reproduces it.
func SnapID(createdAt string, rootManifest types.ObjectId) types.ObjectId {
	return ID([]byte(createdAt + string(rootManifest)))
}
