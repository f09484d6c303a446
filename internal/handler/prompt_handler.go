package handler

import (
	"net/http"

	"github.com/hitoshi/studyquest/internal/prompt"
)

// PromptSource は表示待ちのアップグレード案内を提供する。prompt.Prompterが満たす。
type PromptSource interface {
	Pending() (prompt.UpgradePrompt, bool)
	Dismiss() bool
}

// PromptHandler はアップグレード案内のHTTPハンドラー。
type PromptHandler struct {
	prompts PromptSource
}

// NewPromptHandler はPromptHandlerを生成する。
func NewPromptHandler(prompts PromptSource) *PromptHandler {
	return &PromptHandler{prompts: prompts}
}

// Get は表示待ちの案内を返す。なければ204。
// GET /api/prompt
func (h *PromptHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.prompts.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Dismiss は案内を閉じる。
// DELETE /api/prompt
func (h *PromptHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.prompts.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}
