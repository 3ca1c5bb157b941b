package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/metrics"
	"github.com/cuemby/convergence/pkg/types"
)

// kindLabel normalizes the {kind} URL segment (plural or singular) into
// the metric label.
func kindLabel(kind string) string {
	return strings.TrimSuffix(kind, "s")
}

// handlePutObject accepts one content-addressed object's raw bytes at
// /repos/{r}/objects/{kind}/{id}. Blobs are stored as-is; the structured
// kinds are decoded, re-derived, and rejected with Integrity if the
// decoded object's id doesn't match the URL (except snaps, whose id
// derives from created_at and root manifest rather than the record's own
// bytes, and is carried in the body).
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	kind := chi.URLParam(r, "kind")
	id := types.ObjectId(chi.URLParam(r, "id"))

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, cvgerr.Iof(err, "reading request body"))
		return
	}

	objects := st.Store()
	switch kind {
	case "blobs", "blob":
		gotID, err := objects.PutBlob(data)
		if err != nil {
			writeError(w, err)
			return
		}
		if gotID != id {
			writeError(w, cvgerr.Integrityf("uploaded blob hashes to %s, not %s", gotID, id))
			return
		}
	case "manifests", "manifest":
		var m types.Manifest
		if err := canon.Unmarshal(data, &m); err != nil {
			writeError(w, cvgerr.Validationf("decoding manifest: %v", err))
			return
		}
		gotID, err := objects.PutManifest(&m)
		if err != nil {
			writeError(w, err)
			return
		}
		if gotID != id {
			writeError(w, cvgerr.Integrityf("uploaded manifest hashes to %s, not %s", gotID, id))
			return
		}
	case "recipes", "recipe":
		var rec types.FileRecipe
		if err := canon.Unmarshal(data, &rec); err != nil {
			writeError(w, cvgerr.Validationf("decoding recipe: %v", err))
			return
		}
		gotID, err := objects.PutRecipe(&rec)
		if err != nil {
			writeError(w, err)
			return
		}
		if gotID != id {
			writeError(w, cvgerr.Integrityf("uploaded recipe hashes to %s, not %s", gotID, id))
			return
		}
	case "snaps", "snap":
		var rec types.SnapRecord
		if err := canon.Unmarshal(data, &rec); err != nil {
			writeError(w, cvgerr.Validationf("decoding snap: %v", err))
			return
		}
		if rec.ID != id {
			writeError(w, cvgerr.Validationf("snap body id %s does not match URL id %s", rec.ID, id))
			return
		}
		if _, err := objects.PutSnap(&rec); err != nil {
			writeError(w, err)
			return
		}
		if err := st.RegisterSnap(id); err != nil {
			writeError(w, err)
			return
		}
	case "resolutions", "resolution":
		var res types.Resolution
		if err := canon.Unmarshal(data, &res); err != nil {
			writeError(w, cvgerr.Validationf("decoding resolution: %v", err))
			return
		}
		gotID, err := objects.PutResolution(&res)
		if err != nil {
			writeError(w, err)
			return
		}
		if gotID != id {
			writeError(w, cvgerr.Integrityf("uploaded resolution hashes to %s, not %s", gotID, id))
			return
		}
	default:
		writeError(w, cvgerr.Validationf("unknown object kind %q", kind))
		return
	}
	metrics.ObjectsPutTotal.WithLabelValues(kindLabel(kind)).Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	kind := chi.URLParam(r, "kind")
	id := types.ObjectId(chi.URLParam(r, "id"))
	objects := st.Store()

	var v any
	var err error
	switch kind {
	case "blobs", "blob":
		var rc io.ReadCloser
		rc, err = objects.GetBlobReader(id)
		if err == nil {
			defer rc.Close()
			metrics.ObjectsGetTotal.WithLabelValues("blob", "ok").Inc()
			w.Header().Set("Content-Type", "application/octet-stream")
			io.Copy(w, rc)
			return
		}
	case "manifests", "manifest":
		v, err = objects.GetManifest(id)
	case "recipes", "recipe":
		v, err = objects.GetRecipe(id)
	case "snaps", "snap":
		v, err = objects.GetSnap(id)
	case "resolutions", "resolution":
		v, err = objects.GetResolution(id)
	default:
		writeError(w, cvgerr.Validationf("unknown object kind %q", kind))
		return
	}
	if err != nil {
		metrics.ObjectsGetTotal.WithLabelValues(kindLabel(kind), "error").Inc()
		writeError(w, err)
		return
	}
	metrics.ObjectsGetTotal.WithLabelValues(kindLabel(kind), "ok").Inc()
	writeJSON(w, http.StatusOK, v)
}

type missingRequest struct {
	Blobs     []types.ObjectId `json:"blobs,omitempty"`
	Manifests []types.ObjectId `json:"manifests,omitempty"`
	Recipes   []types.ObjectId `json:"recipes,omitempty"`
	Snaps     []types.ObjectId `json:"snaps,omitempty"`
}

// handleMissingObjects implements the two-phase upload plan's first step:
// the client asks which of a candidate id set is absent so it only
// uploads what the server doesn't already have.
func (s *Server) handleMissingObjects(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var req missingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	objects := st.Store()
	resp := missingRequest{}
	var err error
	if resp.Blobs, err = filterMissing(req.Blobs, objects.HasBlob); err != nil {
		writeError(w, err)
		return
	}
	if resp.Manifests, err = filterMissing(req.Manifests, objects.HasManifest); err != nil {
		writeError(w, err)
		return
	}
	if resp.Recipes, err = filterMissing(req.Recipes, objects.HasRecipe); err != nil {
		writeError(w, err)
		return
	}
	if resp.Snaps, err = filterMissing(req.Snaps, objects.HasSnap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func filterMissing(ids []types.ObjectId, has func(types.ObjectId) (bool, error)) ([]types.ObjectId, error) {
	var missing []types.ObjectId
	for _, id := range ids {
		ok, err := has(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
