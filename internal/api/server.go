// Package api provides the HTTP API and middleware for the gateway.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/claude"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/importer"
	"github.com/agentgate-dev/agentgate/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	importer     *importer.Importer
	projectsDir  string
	maxBodyBytes int64
	startTime    time.Time
	mux          *chi.Mux
	loginLimit   *loginThrottle
	logger       *slog.Logger
}

// NewServer creates a new API server. wsHandler serves the client WebSocket
// endpoint; it authenticates on its own via the token query parameter.
func NewServer(s store.Store, authSvc *auth.Service, imp *importer.Importer, wsHandler http.Handler, projectsDir string, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:        s,
		auth:         authSvc,
		importer:     imp,
		projectsDir:  projectsDir,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		startTime:    time.Now(),
		logger:       logger.With("component", "api"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	srv.loginLimit = newLoginThrottle(5, 10)
	mux.With(srv.loginLimit.middleware).Post("/api/auth/login", srv.handleLogin)

	// WebSocket route (auth handled inside)
	mux.Get("/ws", wsHandler.ServeHTTP)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/projects", srv.handleListProjects)
		r.Post("/api/projects/sync", srv.handleSyncProjects)
		r.Get("/api/projects/{projectID}/sessions", srv.handleListSessions)
		r.Post("/api/projects/{projectID}/sessions", srv.handleCreateSession)
		r.Get("/api/sessions/{sessionID}/messages", srv.handleGetMessages)
		r.Delete("/api/sessions/{sessionID}", srv.handleDeleteSession)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			r.Post("/api/users", srv.handleCreateUser)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Project handlers ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleSyncProjects(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r.Context())
	report, err := s.importer.SyncAll(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Warn("project sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r.Context())
	projectID := chi.URLParam(r, "projectID")

	userFilter := identity.UserID
	if identity.Role == "admin" {
		userFilter = ""
	}
	sessions, err := s.store.ListSessionsByProject(r.Context(), projectID, userFilter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := requestIdentity(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Client-generated ids are accepted verbatim, but they must be UUIDs
	// because the agent CLI requires one for --session-id.
	if req.ID == "" {
		req.ID = uuid.New().String()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, "session id must be a UUID")
		return
	}

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up project")
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	if existing, err := s.store.GetSession(r.Context(), req.ID); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "session already exists")
		return
	}

	sess := &store.Session{
		ID:                  req.ID,
		ProjectID:           project.ID,
		UserID:              identity.UserID,
		FirstMessagePreview: claude.NoMessagesPreview,
		LastMessageAt:       time.Now(),
	}
	if err := s.store.UpsertSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.UserID != "" && sess.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	path := claude.SessionFilePath(s.projectsDir, sess.ProjectPath, sessionID)
	messages, err := claude.ReplayHistory(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session log")
		return
	}
	if messages == nil {
		messages = []claude.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// --- User handlers (admin) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Role)
	if err == auth.ErrUserExists {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
