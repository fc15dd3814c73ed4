// Package httpapi implements the HTTP surface for creating and driving Live
// Sessions (spec.md §6): a plain net/http.ServeMux of handlers, matching the
// teacher's ws/server.go routing style (HandleFunc per path prefix, JSON via
// encoding/json, an authorize-then-handle guard on every route) rather than
// pulling in a router framework the teacher doesn't use.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/krpothula/cryoprocess/internal/auth"
	"github.com/krpothula/cryoprocess/internal/health"
	"github.com/krpothula/cryoprocess/internal/model"
	"github.com/krpothula/cryoprocess/internal/orchestrator"
	"github.com/krpothula/cryoprocess/internal/store"
)

// Server wires the Live Session Orchestrator, Job Store, and host resource
// Snapshotter behind an authenticated HTTP API.
type Server struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	verifier *auth.Verifier
	snapshot health.Snapshotter
}

// NewServer constructs a Server. snapshot is used for /healthz; pass
// health.Collect in production and a fake in tests.
func NewServer(orch *orchestrator.Orchestrator, st *store.Store, verifier *auth.Verifier, snapshot health.Snapshotter) *Server {
	return &Server{orch: orch, store: st, verifier: verifier, snapshot: snapshot}
}

// SetupRoutes registers every handler on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/live-sessions", s.handleCreate)
	mux.HandleFunc("/api/live-sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

// claims extracts and verifies the bearer token from the Authorization
// header, per spec.md §4.7's "every API and WebSocket request carries a
// bearer JWT" invariant.
func (s *Server) claims(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("httpapi: missing bearer token")
	}
	return s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleCreate handles POST /api/live-sessions. The request body is a
// model.Config; the caller must have access to its ProjectID.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cl, err := s.claims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var cfg model.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !cl.ProjectAccess(cfg.ProjectID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sess, err := s.orch.CreateSession(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionRoutes dispatches every path under /api/live-sessions/{...}:
// project/{projectId}, {id}, {id}/start|pause|resume|stop, {id}/stats,
// {id}/activity.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	cl, err := s.claims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/live-sessions/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.SplitN(path, "/", 2)

	if parts[0] == "project" {
		if len(parts) != 2 || parts[1] == "" {
			writeError(w, http.StatusBadRequest, "missing project id")
			return
		}
		s.handleListByProject(w, r, cl, parts[1])
		return
	}

	sessionID := parts[0]
	if len(parts) == 1 {
		s.handleSessionByID(w, r, cl, sessionID)
		return
	}

	switch parts[1] {
	case "start":
		s.handleTransition(w, r, cl, sessionID, s.orch.Start)
	case "pause":
		s.handleTransition(w, r, cl, sessionID, s.orch.Pause)
	case "resume":
		s.handleTransition(w, r, cl, sessionID, s.orch.Resume)
	case "stop":
		s.handleTransition(w, r, cl, sessionID, s.orch.Stop)
	case "stats":
		s.handleStats(w, r, cl, sessionID)
	case "activity":
		s.handleActivity(w, r, cl, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleListByProject(w http.ResponseWriter, r *http.Request, cl *auth.Claims, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !cl.ProjectAccess(projectID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	sessions, err := s.store.ListSessionsByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// authorizedSession loads the Session and verifies the caller's project
// access, the gate every per-session route shares.
func (s *Server) authorizedSession(ctx context.Context, cl *auth.Claims, sessionID string) (*model.SessionState, int, string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, http.StatusNotFound, "session not found"
		}
		return nil, http.StatusInternalServerError, err.Error()
	}
	if !cl.ProjectAccess(sess.Config.ProjectID) {
		return nil, http.StatusForbidden, "forbidden"
	}
	return sess, 0, ""
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, cl *auth.Claims, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		sess, status, msg := s.authorizedSession(r.Context(), cl, sessionID)
		if sess == nil {
			writeError(w, status, msg)
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		sess, status, msg := s.authorizedSession(r.Context(), cl, sessionID)
		if sess == nil {
			writeError(w, status, msg)
			return
		}
		if !sess.IsTerminal() {
			writeError(w, http.StatusConflict, "session must be stopped before it can be deleted")
			return
		}
		if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, cl *auth.Claims, sessionID string, transition func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, status, msg := s.authorizedSession(r.Context(), cl, sessionID)
	if sess == nil {
		writeError(w, status, msg)
		return
	}
	if err := transition(r.Context(), sessionID); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.orch.Snapshot(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type statsResponse struct {
	Counters     model.Counters     `json:"counters"`
	PassNumber   int                `json:"passNumber"`
	PassHistory  []model.PassRecord `json:"passHistory"`
	Jobs         model.JobsMap      `json:"jobs"`
	Status       model.SessionStatus `json:"status"`
	CurrentStage model.Stage        `json:"currentStage,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, cl *auth.Claims, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, status, msg := s.authorizedSession(r.Context(), cl, sessionID)
	if sess == nil {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Counters:     sess.Counters,
		PassNumber:   sess.PassNumber,
		PassHistory:  sess.PassHistory,
		Jobs:         sess.Jobs,
		Status:       sess.Status,
		CurrentStage: sess.CurrentStage,
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, cl *auth.Claims, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, status, msg := s.authorizedSession(r.Context(), cl, sessionID)
	if sess == nil {
		writeError(w, status, msg)
		return
	}

	q := r.URL.Query()
	filter := model.ActivityFilter{
		Level:  model.ActivityLevel(q.Get("level")),
		Stage:  model.Stage(q.Get("stage")),
		Search: q.Get("search"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	entries, err := s.store.ListActivity(r.Context(), sess.ID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
