package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/identity"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/metrics"
)

// requestLogger gives every request one structured log line with its
// outcome, plus the request counter/latency metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		log.WithComponent("api").Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requireAuth resolves the bearer token into a *types.User and stashes it
// in the request context. A missing or bad token is a 401, distinct from
// the 403 a policy check returns for an authenticated-but-unauthorized
// caller.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		user, err := s.identity.Authenticate(strings.TrimPrefix(auth, prefix))
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// requireAdmin composes with requireAuth and further demands the caller is
// an admin user.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if user == nil || !user.Admin {
			writeError(w, cvgerr.Forbiddenf("admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// repoContext resolves the {repoID} URL param into a *repo.State and
// stashes it, 404ing if the repo is unknown.
func (s *Server) repoContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repoID := chi.URLParam(r, "repoID")
		state, err := s.repoState(repoID)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withRepoState(r.Context(), state)))
	})
}

// requireRead 403s unless the caller may read the resolved repo.
func (s *Server) requireRead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		st := repoStateFrom(r.Context())
		snap := st.Snapshot()
		if !identity.CanRead(&snap, user) {
			writeError(w, cvgerr.Forbiddenf("no read access to repo %s", snap.ID))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePublish 403s unless the caller may publish to the resolved repo.
func (s *Server) requirePublish(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		st := repoStateFrom(r.Context())
		snap := st.Snapshot()
		if !identity.CanPublish(&snap, user) {
			writeError(w, cvgerr.Forbiddenf("no publish access to repo %s", snap.ID))
			return
		}
		next.ServeHTTP(w, r)
	})
}
