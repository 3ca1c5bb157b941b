package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/types"
)

type createPublicationRequest struct {
	SnapID       types.ObjectId    `json:"snap_id"`
	Scope        string            `json:"scope"`
	Gate         string            `json:"gate"`
	MetadataOnly bool              `json:"metadata_only,omitempty"`
	Resolution   *types.Resolution `json:"resolution,omitempty"`
}

func (s *Server) handleCreatePublication(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	user := userFrom(r.Context())
	var req createPublicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pub, err := st.CreatePublication(repo.CreatePublicationInput{
		SnapID:          req.SnapID,
		Scope:           req.Scope,
		Gate:            req.Gate,
		PublisherUserID: user.ID,
		MetadataOnly:    req.MetadataOnly,
		Resolution:      req.Resolution,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) handleListPublications(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	writeJSON(w, http.StatusOK, st.Snapshot().Publications)
}

type createBundleRequest struct {
	Scope             string   `json:"scope"`
	Gate              string   `json:"gate"`
	InputPublications []string `json:"input_publications"`
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	user := userFrom(r.Context())
	var req createBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := st.CreateBundle(req.Scope, req.Gate, req.InputPublications, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	snap := st.Snapshot()
	scope := r.URL.Query().Get("scope")
	gate := r.URL.Query().Get("gate")
	out := make([]types.Bundle, 0, len(snap.Bundles))
	for _, b := range snap.Bundles {
		if scope != "" && b.Scope != scope {
			continue
		}
		if gate != "" && b.Gate != gate {
			continue
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	bundleID := chi.URLParam(r, "bundleID")
	snap := st.Snapshot()
	b, ok := snap.FindBundle(bundleID)
	if !ok {
		writeError(w, cvgerr.NotFoundf("bundle %s not found", bundleID))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleApproveBundle(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	user := userFrom(r.Context())
	bundleID := chi.URLParam(r, "bundleID")
	b, err := st.Approve(bundleID, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePinBundle(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	bundleID := chi.URLParam(r, "bundleID")
	if err := st.Pin(bundleID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pinned"})
}

func (s *Server) handleUnpinBundle(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	bundleID := chi.URLParam(r, "bundleID")
	if err := st.Unpin(bundleID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unpinned"})
}

type createPromotionRequest struct {
	BundleID string `json:"bundle_id"`
	ToGate   string `json:"to_gate"`
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	user := userFrom(r.Context())
	var req createPromotionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := st.Promote(req.BundleID, req.ToGate, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createReleaseRequest struct {
	Channel  string  `json:"channel"`
	BundleID string  `json:"bundle_id"`
	Notes    *string `json:"notes,omitempty"`
}

// handleCreateRelease: non-admin callers may only release from a terminal
// gate that allows releases; admins bypass that restriction.
func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	user := userFrom(r.Context())
	var req createReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rel, err := st.Release(req.Channel, req.BundleID, user.ID, user.Admin, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	writeJSON(w, http.StatusOK, st.Snapshot().Releases)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	channel := chi.URLParam(r, "channel")
	rel, ok := st.LatestRelease(channel)
	if !ok {
		writeError(w, cvgerr.NotFoundf("no release on channel %q", channel))
		return
	}
	writeJSON(w, http.StatusOK, rel)
}
