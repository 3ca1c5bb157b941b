package repo

import (
	"sort"
	"strings"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/types"
)

// idFields joins fields with a separator that cannot occur in any of
// them (every field here is either a hex id, a repo-assigned name, or an
// RFC 3339 timestamp) and hashes the result, so equal field tuples
// always derive equal ids.
func idFields(fields ...string) types.ObjectId {
	return canon.ID([]byte(strings.Join(fields, "\x00")))
}

func publicationID(repoID string, snapID types.ObjectId, scope, gate, publisher, createdAt string) string {
	return string(idFields(repoID, string(snapID), scope, gate, publisher, createdAt))
}

func bundleID(repoID, scope, gate string, root types.ObjectId, inputPubs []string, creator, createdAt string) string {
	sorted := append([]string(nil), inputPubs...)
	sort.Strings(sorted)
	fields := append([]string{repoID, scope, gate, string(root)}, sorted...)
	fields = append(fields, creator, createdAt)
	return string(idFields(fields...))
}
