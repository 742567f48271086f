package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/lifecycle"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/session"
)

// Session is the part of a running session the API exposes
type Session interface {
	Feed(ctx context.Context, sort feed.Sort) ([]*notify.Notification, error)
	Unread(ctx context.Context) ([]*notify.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
	Settings() notify.Settings
	UpdateSettings(ctx context.Context, next notify.Settings) error
	Preferences() notify.Preferences
	UpdatePreference(ctx context.Context, category string, enabled bool) error
	Refresh(ctx context.Context) (*session.PassReport, error)
	Deliveries(buffer int) (<-chan delivery.Request, func())
	QuietHoursActive() bool
}

var _ Session = (*session.Session)(nil)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// FeedResponse is the body of the feed endpoints
type FeedResponse struct {
	Data        []*notify.Notification `json:"data"`
	Count       int                    `json:"count"`
	UnreadCount int                    `json:"unread_count"`
	QuietHours  bool                   `json:"quiet_hours"`
}

// WarningResponse is returned with 202 when a change was only applied locally
type WarningResponse struct {
	Status  string `json:"status"`
	Warning string `json:"warning"`
}

// PreferenceRequest is the body of PUT /v1/preferences/{category}
type PreferenceRequest struct {
	Enabled *bool `json:"enabled"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	session   Session
	keepAlive time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, s Session) *Handler {
	return &Handler{
		logger:    logger,
		session:   s,
		keepAlive: 15 * time.Second,
	}
}

// GetFeed handles GET /v1/feed?sort=newest|priority
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	sort, err := feed.ParseSort(r.URL.Query().Get("sort"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sort", err.Error())
		return
	}

	docs, err := h.session.Feed(r.Context(), sort)
	if err != nil {
		h.writeSessionError(w, "feed", err)
		return
	}
	h.writeFeed(w, r, docs)
}

// GetUnread handles GET /v1/feed/unread
func (h *Handler) GetUnread(w http.ResponseWriter, r *http.Request) {
	docs, err := h.session.Unread(r.Context())
	if err != nil {
		h.writeSessionError(w, "unread", err)
		return
	}
	h.writeFeed(w, r, docs)
}

func (h *Handler) writeFeed(w http.ResponseWriter, r *http.Request, docs []*notify.Notification) {
	unread, err := h.session.UnreadCount(r.Context())
	if err != nil {
		h.writeSessionError(w, "unread_count", err)
		return
	}
	if docs == nil {
		docs = []*notify.Notification{}
	}
	writeJSON(w, http.StatusOK, FeedResponse{
		Data:        docs,
		Count:       len(docs),
		UnreadCount: unread,
		QuietHours:  h.session.QuietHoursActive(),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.writeLifecycle(w, lifecycle.OpMarkRead, id, h.session.MarkRead(r.Context(), id))
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.writeLifecycle(w, lifecycle.OpMarkAllRead, "", h.session.MarkAllRead(r.Context()))
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.writeLifecycle(w, lifecycle.OpDelete, id, h.session.Delete(r.Context(), id))
}

// ClearAll handles DELETE /v1/notifications
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.writeLifecycle(w, lifecycle.OpClearAll, "", h.session.ClearAll(r.Context()))
}

func (h *Handler) writeLifecycle(w http.ResponseWriter, op, id string, err error) {
	var warn *lifecycle.Warning
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &warn):
		h.logger.Warn("lifecycle change applied locally only",
			zap.String("op", op),
			zap.String("notification_id", id),
			zap.Error(err),
		)
		writeJSON(w, http.StatusAccepted, WarningResponse{Status: "applied_locally", Warning: warn.Error()})
	default:
		h.writeSessionError(w, op, err)
	}
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Settings())
}

// UpdateSettings handles PUT /v1/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next notify.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.session.UpdateSettings(r.Context(), next); err != nil {
		h.writeSessionError(w, "update_settings", err)
		return
	}

	h.logger.Info("settings updated",
		zap.String("quiet_hours_start", next.QuietHoursStart),
		zap.String("quiet_hours_end", next.QuietHoursEnd),
		zap.Int("budget_threshold", next.BudgetThreshold),
	)
	writeJSON(w, http.StatusOK, h.session.Settings())
}

// GetPreferences handles GET /v1/preferences. Every known category is
// listed, unset ones as enabled.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := h.session.Preferences()
	out := make(map[notify.Category]bool, len(notify.Categories))
	for _, c := range notify.Categories {
		out[c] = prefs.Enabled(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdatePreference handles PUT /v1/preferences/{category}
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "enabled is required")
		return
	}

	if err := h.session.UpdatePreference(r.Context(), category, *req.Enabled); err != nil {
		h.writeSessionError(w, "update_preference", err)
		return
	}
	h.GetPreferences(w, r)
}

// Refresh handles POST /v1/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.session.Refresh(r.Context())
	if err != nil {
		h.writeSessionError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeSessionError maps the error taxonomy onto HTTP statuses
func (h *Handler) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrEvaluationInProgress):
		h.writeError(w, http.StatusConflict, "evaluation_in_progress", "Evaluation already running", "")
	case errors.Is(err, notify.ErrValidation):
		h.writeError(w, http.StatusUnprocessableEntity, "validation_failed", "Validation failed", err.Error())
	case errors.Is(err, notify.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notify.ErrPermissionDenied):
		h.writeError(w, http.StatusForbidden, "permission_denied", "Permission denied", "")
	case errors.Is(err, notify.ErrStoreUnavailable):
		h.logger.Error("store unavailable", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Notification store unavailable", "")
	case errors.Is(err, feed.ErrStopped), errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Session is shutting down", "")
	default:
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal error", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
