// Package api serves the read-only operations API: task definitions, task
// items and per-key waiting lists. The API is a diagnostic surface; every
// mutation in the system flows through the tracking table and its stream,
// never through HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opsrunner/internal/types"
)

type definitionReader interface {
	Get(ctx context.Context, name string) (*types.TaskDefinition, error)
	List(ctx context.Context) ([]types.TaskDefinition, error)
}

type itemReader interface {
	Get(ctx context.Context, id string) (*types.TaskItem, error)
	GetWaiting(ctx context.Context, concurrencyKey string) ([]types.TaskItem, error)
}

// Config wires the API server's collaborators.
type Config struct {
	Definitions definitionReader
	Items       itemReader

	// AdminToken protects everything under /v1. An empty token disables the
	// API surface except the health check.
	AdminToken types.SecretString

	Logger *slog.Logger
}

// Server is the read-only ops API.
type Server struct {
	definitions definitionReader
	items       itemReader
	adminToken  types.SecretString
	logger      *slog.Logger
}

// New creates an API server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Definitions == nil {
		return nil, fmt.Errorf("api: definition reader is required")
	}
	if cfg.Items == nil {
		return nil, fmt.Errorf("api: item reader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		definitions: cfg.Definitions,
		items:       cfg.Items,
		adminToken:  cfg.AdminToken,
		logger:      cfg.Logger,
	}, nil
}

// Router builds the chi router with middleware and all routes registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{name}", s.handleGetTask)
		r.Get("/items/{id}", s.handleGetItem)
		r.Get("/waiting/{key}", s.handleGetWaiting)
	})
	return r
}

// --- Middleware ---

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// requireAdminToken authenticates requests with a bearer token compared in
// constant time. With no token configured the API surface is closed.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.adminToken.Unmask()
		if token == "" {
			s.writeError(w, r, http.StatusForbidden, "api disabled")
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	defs, err := s.definitions.List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"tasks": defs})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := s.definitions.Get(r.Context(), name)
	if errors.Is(err, types.ErrTaskNotFound) {
		s.writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading task failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, def)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.items.Get(r.Context(), id)
	if errors.Is(err, types.ErrTaskItemNotFound) {
		s.writeError(w, r, http.StatusNotFound, "task item not found")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading task item failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, item)
}

func (s *Server) handleGetWaiting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	items, err := s.items.GetWaiting(r.Context(), key)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading waiting list failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"concurrency_key": key,
		"waiting":         items,
	})
}

// --- Responses ---

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.ErrorContext(r.Context(), "writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}
