// Package api provides the HTTP inspection endpoints for the forge server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/filestore"
	"github.com/ashureev/contract-forge/internal/session"
	"github.com/ashureev/contract-forge/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	healthTimeout   = 2 * time.Second
)

// ChannelCounter reports live channels.
type ChannelCounter interface {
	Count() int
}

// Handler serves the read-only session API.
type Handler struct {
	repo     store.Repository
	registry *session.Registry
	channels ChannelCounter
	logger   *slog.Logger
}

// NewHandler creates a new Handler. channels may be nil.
func NewHandler(repo store.Repository, registry *session.Registry, channels ChannelCounter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, registry: registry, channels: channels, logger: logger}
}

// RegisterRoutes registers the health and session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api/sessions/{chatID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Get("/files/*", h.GetFileHistory)
		r.Get("/repairs", h.ListRepairs)
	})
}

// Health reports database reachability and live counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := map[string]any{
		"status":   "ok",
		"sessions": h.registry.Len(),
	}
	if h.channels != nil {
		resp["channels"] = h.channels.Count()
	}
	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Warn("Health check database ping failed", "error", err)
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["database"] = "ok"
	JSON(w, http.StatusOK, resp)
}

// GetSession returns the live state of a session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.Snapshot())
}

type versionSummary struct {
	ID        string  `json:"id"`
	Language  string  `json:"language"`
	Timestamp float64 `json:"timestamp"`
	Size      int     `json:"size"`
	Content   string  `json:"content,omitempty"`
}

// GetFileHistory lists every version of one path, oldest first. Content is
// included only with ?content=true.
func (h *Handler) GetFileHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	path, err := filestore.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := sess.Store().History(path)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	withContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))
	out := make([]versionSummary, 0, len(history))
	for _, v := range history {
		s := versionSummary{
			ID:        v.ID,
			Language:  v.Language,
			Timestamp: v.UnixSeconds(),
			Size:      len(v.Content),
		}
		if withContent {
			s.Content = v.Content
		}
		out = append(out, s)
	}
	JSON(w, http.StatusOK, map[string]any{"path": path, "versions": out})
}

// ListRepairs returns the persisted repair audit for a session, newest
// first. It works for sessions that are no longer live.
func (h *Handler) ListRepairs(w http.ResponseWriter, r *http.Request) {
	chatID, err := session.ParseIdentity(chi.URLParam(r, "chatID"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.repo.ListRepairRuns(r.Context(), chatID, limit)
	if err != nil {
		h.logger.Error("Failed to list repair runs", "error", err, "chat_id", chatID)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []*domain.RepairRun{}
	}
	JSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "runs": runs})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	chatID, err := session.ParseIdentity(chi.URLParam(r, "chatID"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	sess, err := h.registry.Get(chatID)
	if err != nil {
		h.writeDomainError(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrVersionNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSessionEvicted):
		Error(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrInvalidPath), errors.Is(err, domain.ErrInvalidIdentity):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Unexpected API error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
