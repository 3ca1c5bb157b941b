package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/convergence/pkg/gc"
)

// handleGC implements POST /repos/{r}/gc. Defaults are the safe ones:
// dry_run on, metadata pruning off.
func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	q := r.URL.Query()

	opts := gc.Options{
		DryRun:        parseBool(q.Get("dry_run"), true),
		PruneMetadata: parseBool(q.Get("prune_metadata"), false),
	}
	if v := q.Get("prune_releases_keep_last"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.PruneReleasesKeepLast = n
		}
	}

	report, err := gc.Sweep(st, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
