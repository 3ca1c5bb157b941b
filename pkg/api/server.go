// Package api implements Convergence's REST server: a
// chi router, bearer-token auth middleware backed by pkg/identity, and one
// handler per endpoint in the wire protocol table, each translating a
// pkg/repo / pkg/gc / pkg/superpose call into a JSON response.
package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/identity"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/metrics"
	"github.com/cuemby/convergence/pkg/repo"
)

// Server is Convergence's REST API: a chi.Router over the repo and
// identity state the daemon hydrated at boot.
type Server struct {
	dataDir  string
	identity *identity.Manager

	// bootstrapSecret, when non-empty, enables POST /bootstrap; callers
	// present it as their bearer token. Empty disables the endpoint.
	bootstrapSecret string

	mu    sync.RWMutex
	repos map[string]*repo.State

	router *chi.Mux
}

// NewServer constructs a Server, hydrating every repo found under
// dataDir/repos. bootstrapSecret enables the one-shot admin bootstrap
// endpoint; pass "" to leave it disabled.
func NewServer(dataDir string, idm *identity.Manager, bootstrapSecret string) (*Server, error) {
	s := &Server{
		dataDir:         dataDir,
		identity:        idm,
		bootstrapSecret: bootstrapSecret,
		repos:           map[string]*repo.State{},
	}
	ids, err := repo.ListRepoIDs(dataDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		st, err := repo.Load(dataDir, id)
		if err != nil {
			return nil, err
		}
		if err := st.MigrateHandles(idm.ResolveHandle); err != nil {
			return nil, err
		}
		s.repos[id] = st
	}
	log.WithComponent("api").Info().Int("repo_count", len(s.repos)).Msg("hydrated repos")
	s.router = s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) repoState(id string) (*repo.State, error) {
	s.mu.RLock()
	st, ok := s.repos[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cvgerr.NotFoundf("repo %s not found", id)
	}
	return st, nil
}

func (s *Server) registerRepo(st *repo.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[st.ID()] = st
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Post("/bootstrap", s.handleBootstrap)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/whoami", s.handleWhoami)

		r.Post("/repos", s.handleCreateRepo)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/users", s.handleCreateUser)
			r.Get("/users", s.handleListUsers)
			r.Post("/users/{userID}/tokens", s.handleCreateToken)
			r.Get("/users/{userID}/tokens", s.handleListTokens)
			r.Delete("/tokens/{tokenID}", s.handleRevokeToken)
		})

		r.Route("/repos/{repoID}", func(r chi.Router) {
			r.Use(s.repoContext)

			r.Group(func(r chi.Router) {
				r.Use(s.requireRead)
				r.Get("/", s.handleGetRepo)
				r.Get("/gate-graph", s.handleGetGateGraph)
				r.Get("/objects/{kind}/{id}", s.handleGetObject)
				r.Get("/bundles", s.handleListBundles)
				r.Get("/bundles/{bundleID}", s.handleGetBundle)
				r.Get("/publications", s.handleListPublications)
				r.Get("/releases", s.handleListReleases)
				r.Get("/releases/{channel}", s.handleGetRelease)
				r.Get("/lanes/{laneID}", s.handleGetLane)
			})

			// Gate-graph mutation reshapes the promotion DAG for every
			// member, so it stays admin-only even for repo publishers.
			r.With(s.requireAdmin).Put("/gate-graph", s.handleSetGateGraph)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePublish)
				r.Put("/objects/{kind}/{id}", s.handlePutObject)
				r.Post("/objects/missing", s.handleMissingObjects)
				r.Post("/publications", s.handleCreatePublication)
				r.Post("/bundles", s.handleCreateBundle)
				r.Post("/bundles/{bundleID}/approve", s.handleApproveBundle)
				r.Post("/bundles/{bundleID}/pin", s.handlePinBundle)
				r.Delete("/bundles/{bundleID}/pin", s.handleUnpinBundle)
				r.Post("/promotions", s.handleCreatePromotion)
				r.Post("/releases", s.handleCreateRelease)
				r.Post("/scopes", s.handleAddScope)
				r.Post("/readers", s.handleAddReader)
				r.Post("/publishers", s.handleAddPublisher)
				r.Post("/lanes", s.handleEnsureLane)
				r.Post("/lanes/{laneID}/members", s.handleAddLaneMember)
				r.Put("/lanes/{laneID}/heads/{userID}", s.handleUpdateLaneHead)
				r.Post("/gc", s.handleGC)
			})
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
