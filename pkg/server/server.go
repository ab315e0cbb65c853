// Package server is the HTTP surface: REST endpoints over repos, sessions,
// and the event ledger, plus the websocket upgrade paths feeding the
// gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"drydock/pkg/eventlog"
	"drydock/pkg/gateway"
	"drydock/pkg/orchestrator"
	"drydock/pkg/protocol"
	"drydock/pkg/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// SessionLauncher is the orchestrator surface the HTTP layer drives.
type SessionLauncher interface {
	StartSession(ctx context.Context, req orchestrator.StartRequest) (*protocol.Session, error)
	StopSession(ctx context.Context, id string) error
	AbortSession(ctx context.Context, id string) error
}

// Server wires the REST and websocket handlers.
type Server struct {
	store    *session.Store
	log      *eventlog.Log
	gateway  *gateway.Gateway
	launcher SessionLauncher
	logger   *slog.Logger
	router   chi.Router
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents and local clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New constructs the Server and its router.
func New(store *session.Store, log *eventlog.Log, gw *gateway.Gateway, launcher SessionLauncher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		log:      log,
		gateway:  gw,
		launcher: launcher,
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(60 * time.Second))
		r.Post("/repos", s.handleCreateRepo)
		r.Get("/repos", s.handleListRepos)
		r.Get("/repos/{id}/stats", s.handleRepoStats)

		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Delete("/sessions/{id}", s.handleStopSession)
		r.Post("/sessions/{id}/abort", s.handleAbortSession)
	})

	// Websocket upgrades live outside the timeout middleware.
	r.Get("/ws", s.handleClientWS)
	r.Get("/agent/ws", s.handleAgentWS)

	return r
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// not-found 404, orchestrator conflict 409, provisioning 502, rest 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *protocol.ValidationError
		nf *protocol.NotFoundError
		ce *protocol.ConflictError
		pe *protocol.ProvisioningError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict"})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Code: "provisioning"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var repo protocol.Repo
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		writeError(w, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if repo.ID == "" || repo.Owner == "" || repo.Name == "" {
		writeError(w, &protocol.ValidationError{Field: "repo", Reason: "id, owner, and name are required"})
		return
	}
	if err := s.store.CreateRepo(r.Context(), &repo); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []protocol.Repo{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleRepoStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRepo(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	sess, err := s.launcher.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []protocol.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, &protocol.ValidationError{Field: "since", Reason: "must be a non-negative integer"})
			return
		}
		since = parsed
	}

	events, err := s.log.Query(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []protocol.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.launcher.StopSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.launcher.AbortSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborted"})
}

// --- Websockets ---

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, &protocol.ValidationError{Field: "session", Reason: "query parameter required"})
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client ws upgrade failed", "err", err)
		return
	}
	if err := s.gateway.ServeClient(r.Context(), sessionID, conn); err != nil {
		s.logger.Debug("client ws closed", "session", sessionID, "err", err)
	}
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, &protocol.ValidationError{Field: "session", Reason: "query parameter required"})
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent ws upgrade failed", "err", err)
		return
	}
	if err := s.gateway.ServeAgent(r.Context(), sessionID, conn); err != nil {
		s.logger.Debug("agent ws closed", "session", sessionID, "err", err)
	}
}
