package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/log"
)

// statusFor maps a cvgerr.Kind to its HTTP status.
func statusFor(kind cvgerr.Kind) int {
	switch kind {
	case cvgerr.Validation, cvgerr.UnresolvedConflict:
		return http.StatusBadRequest
	case cvgerr.Forbidden:
		return http.StatusForbidden
	case cvgerr.NotFound:
		return http.StatusNotFound
	case cvgerr.Conflict:
		return http.StatusConflict
	case cvgerr.Integrity, cvgerr.Io:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and a single-line JSON reason.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := cvgerr.KindOf(err)
	if !ok {
		kind = cvgerr.Io
	}
	status := statusFor(kind)
	if status >= 500 {
		log.WithComponent("api").Error().Err(err).Msg("request failed")
	} else {
		log.WithComponent("api").Debug().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

// writeUnauthorized is the 401 path for a missing or unresolvable bearer
// token; the cvgerr taxonomy has no kind for it because it never escapes
// the auth middleware.
func writeUnauthorized(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": reason, "kind": "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return cvgerr.Validationf("malformed request body: %v", err)
	}
	return nil
}
