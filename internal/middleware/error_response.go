package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyquest/internal/model"
)

// ErrorResponseBody はエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Category     string            `json:"category"`
	Action       string            `json:"action"`
	Fields       map[string]string `json:"fields,omitempty"`
	RequiredTier model.Tier        `json:"requiredTier,omitempty"`
	CurrentTier  model.Tier        `json:"currentTier,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeErrorBody(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はエラーの分類に応じたステータスで統一エラーレスポンスを書き込む。
//
//	ValidationError   → 422（フィールドごとのメッセージ付き）
//	TierDeniedError   → 402（要求プランと現在のプラン付き）
//	AuthExpired/RefreshFailed/未ログイン → 401
//	通信エラー        → 502
//	APIError          → APIが返したステータス
//	その他            → 500
func WriteError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		writeErrorBody(w, http.StatusUnprocessableEntity, ErrorResponseBody{
			Code:     model.ErrCodeValidation,
			Message:  "入力内容に誤りがあります。",
			Category: "validation",
			Action:   "入力内容を確認してください。",
			Fields:   verr.Fields,
		})
		return
	}

	var tierErr *model.TierDeniedError
	if errors.As(err, &tierErr) {
		writeErrorBody(w, http.StatusPaymentRequired, ErrorResponseBody{
			Code:         tierErr.Code,
			Message:      "現在のプランではこの機能を利用できません。",
			Category:     "tier",
			Action:       "プランをアップグレードしてください。",
			RequiredTier: tierErr.RequiredTier,
			CurrentTier:  tierErr.CurrentTier,
		})
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, statusForAPIError(apiErr), apiErr)
		return
	}

	slog.Error("内部エラーが発生しました", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

func statusForAPIError(apiErr *model.APIError) int {
	switch {
	case errors.Is(apiErr, model.ErrAuthExpired), errors.Is(apiErr, model.ErrRefreshFailed), errors.Is(apiErr, model.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(apiErr, model.ErrNetwork):
		return http.StatusBadGateway
	case apiErr.Status >= 400:
		return apiErr.Status
	default:
		return http.StatusBadGateway
	}
}

func writeErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
