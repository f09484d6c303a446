package handler

import (
	"net/http"

	"github.com/hitoshi/studyquest/internal/middleware"
	"github.com/hitoshi/studyquest/internal/model"
)

// diagnosticsResponse は管理者向け診断情報。
type diagnosticsResponse struct {
	UserID              string     `json:"userId"`
	Role                model.Role `json:"role"`
	Tier                model.Tier `json:"tier"`
	NotificationPolling bool       `json:"notificationPolling"`
	UnreadCount         int        `json:"unreadCount"`
	PendingPrompt       bool       `json:"pendingPrompt"`
}

// AdminHandler は管理者専用ルートのHTTPハンドラー。
type AdminHandler struct {
	session SessionInfo
	feed    NotificationFeed
	prompts PromptSource
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(session SessionInfo, feed NotificationFeed, prompts PromptSource) *AdminHandler {
	return &AdminHandler{session: session, feed: feed, prompts: prompts}
}

// Diagnostics はセッションと通知ポーリングの状態を返す。
// GET /api/admin/diagnostics
func (h *AdminHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	role, _ := middleware.RoleFromContext(r.Context())
	_, pending := h.prompts.Pending()

	writeJSON(w, http.StatusOK, diagnosticsResponse{
		UserID:              userID,
		Role:                role,
		Tier:                h.session.Tier(),
		NotificationPolling: h.feed.IsPolling(),
		UnreadCount:         h.feed.Snapshot().UnreadCount,
		PendingPrompt:       pending,
	})
}
