package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/types"
)

type createRepoRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, cvgerr.Validationf("id is required"))
		return
	}
	user := userFrom(r.Context())
	st, err := repo.Create(s.dataDir, req.ID, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.registerRepo(st)
	snap := st.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	snap := st.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetGateGraph(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	snap := st.Snapshot()
	writeJSON(w, http.StatusOK, snap.GateGraph)
}

func (s *Server) handleSetGateGraph(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var graph types.GateGraph
	if err := decodeJSON(r, &graph); err != nil {
		writeError(w, err)
		return
	}
	if err := st.SetGateGraph(graph); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot().GateGraph)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAddReader(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := st.AddReader(req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleAddPublisher(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := st.AddPublisher(req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

type addScopeRequest struct {
	Scope string `json:"scope"`
}

func (s *Server) handleAddScope(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var req addScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Scope == "" {
		writeError(w, cvgerr.Validationf("scope is required"))
		return
	}
	if err := st.AddScope(req.Scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

type ensureLaneRequest struct {
	ID      string   `json:"id"`
	Members []string `json:"members,omitempty"`
}

func (s *Server) handleEnsureLane(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	var req ensureLaneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, cvgerr.Validationf("id is required"))
		return
	}
	if err := st.EnsureLane(req.ID, req.Members); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddLaneMember(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	laneID := chi.URLParam(r, "laneID")
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := st.AddLaneMember(laneID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type updateLaneHeadRequest struct {
	SnapID   types.ObjectId `json:"snap_id"`
	ClientID string         `json:"client_id,omitempty"`
}

func (s *Server) handleUpdateLaneHead(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	laneID := chi.URLParam(r, "laneID")
	userID := chi.URLParam(r, "userID")
	var req updateLaneHeadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := st.UpdateLaneHead(laneID, userID, req.SnapID, req.ClientID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetLane(w http.ResponseWriter, r *http.Request) {
	st := repoStateFrom(r.Context())
	laneID := chi.URLParam(r, "laneID")
	snap := st.Snapshot()
	for _, lane := range snap.Lanes {
		if lane.ID == laneID {
			writeJSON(w, http.StatusOK, lane)
			return
		}
	}
	writeError(w, cvgerr.NotFoundf("lane %s not found", laneID))
}
