// Package handler はローカルHTTP面のハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyquest/internal/auth"
	"github.com/hitoshi/studyquest/internal/middleware"
	"github.com/hitoshi/studyquest/internal/model"
)

// maxFormBodySize はフォームJSONの上限サイズ。
const maxFormBodySize = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, form auth.LoginForm) (model.Session, error)
	Register(ctx context.Context, form auth.RegisterForm) (model.Session, error)
	Logout(ctx context.Context)
}

// AuthHandler はログイン・登録・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	session SessionInfo
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, session SessionInfo) *AuthHandler {
	return &AuthHandler{
		service: service,
		session: session,
	}
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var form auth.LoginForm
	if !decodeForm(w, r, &form) {
		return
	}

	if _, err := h.service.Login(r.Context(), form); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(h.session))
}

// Register は新規登録してそのままログインする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var form auth.RegisterForm
	if !decodeForm(w, r, &form) {
		return
	}

	if _, err := h.service.Register(r.Context(), form); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newSessionResponse(h.session))
}

// Logout はセッションを破棄する。未ログインでも成功扱い。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// LoginRequired はルートガードのリダイレクト先。ログインが必要であることを返す。
// GET /login
func (h *AuthHandler) LoginRequired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "ログインしてください。",
		"loginUrl": "/auth/login",
	})
}

// decodeForm はリクエストボディをformにデコードする。
// 失敗した場合は400を書き込んでfalseを返す。
func decodeForm(w http.ResponseWriter, r *http.Request, form any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxFormBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(form); err != nil {
		slog.Debug("フォームのデコードに失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストの形式が不正です。",
			Category: "validation",
			Action:   "入力内容を確認してください。",
		})
		return false
	}
	return true
}

// writeJSON はvをJSONで書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}
