package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studyquest/internal/middleware"
	"github.com/hitoshi/studyquest/internal/model"
)

// NotificationFeed は通知ハンドラーが必要とするフィードのインターフェース。
// notification.Feedが満たす。
type NotificationFeed interface {
	Snapshot() model.NotificationFeed
	Fetch(ctx context.Context, userID string) error
	MarkAsRead(ctx context.Context, id string) bool
	MarkAllAsRead(ctx context.Context, userID string)
	Toggle() bool
	IsPolling() bool
}

// NotificationHandler は通知フィードのHTTPハンドラー。
type NotificationHandler struct {
	feed NotificationFeed
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(feed NotificationFeed) *NotificationHandler {
	return &NotificationHandler{feed: feed}
}

// List は通知フィードの状態を返す。
// ?refresh=true の場合は先にAPIから再取得する。取得失敗はフィードのerrorに反映される。
// GET /api/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		userID, err := middleware.UserIDFromContext(r.Context())
		if err != nil {
			middleware.WriteError(w, model.NewNotAuthenticatedError())
			return
		}
		if err := h.feed.Fetch(r.Context(), userID); errors.Is(err, model.ErrAuthExpired) {
			middleware.WriteError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.feed.Snapshot())
}

// MarkAsRead は通知を既読にする。既読済みの通知に対しても200を返す。
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "通知IDが指定されていません。",
			Category: "validation",
			Action:   "通知IDを指定してください。",
		})
		return
	}

	h.feed.MarkAsRead(r.Context(), id)
	writeJSON(w, http.StatusOK, h.feed.Snapshot())
}

// MarkAllAsRead はすべての通知を既読にする。
// POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewNotAuthenticatedError())
		return
	}

	h.feed.MarkAllAsRead(r.Context(), userID)
	writeJSON(w, http.StatusOK, h.feed.Snapshot())
}

// Toggle はフィードの開閉状態を反転する。
// POST /api/notifications/toggle
func (h *NotificationHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	h.feed.Toggle()
	writeJSON(w, http.StatusOK, h.feed.Snapshot())
}
