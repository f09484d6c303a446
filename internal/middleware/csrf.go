package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyquest/internal/model"
)

// CSRFHeaderName は状態変更リクエストでCSRFトークンを送るヘッダー名。
const CSRFHeaderName = "X-CSRF-Token"

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	// AllowedOrigin はOriginヘッダーとして受け付ける唯一のオリジン。
	AllowedOrigin string
	// Token はプロセスごとのCSRFトークン。GenerateCSRFTokenで生成する。
	Token string
}

// NewCSRFMiddleware はCSRFトークンの検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// 状態変更メソッドは、Originが許可オリジンと一致し（ヘッダーがない場合は非ブラウザとして扱う）、
// かつX-CSRF-Tokenがトークンと一致する場合のみ通す。
// トークンはCORSで許可されたオリジンからしか読み取れないため、他サイトのページは送信できない。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if origin := r.Header.Get("Origin"); origin != "" && origin != config.AllowedOrigin {
				slog.Warn("CSRF validation failed: origin not allowed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				writeCSRFError(w)
				return
			}

			headerToken := r.Header.Get(CSRFHeaderName)
			if headerToken == "" {
				slog.Warn("CSRF validation failed: missing header token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeCSRFError(w)
				return
			}

			if config.Token == "" || subtle.ConstantTimeCompare([]byte(headerToken), []byte(config.Token)) != 1 {
				slog.Warn("CSRF validation failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeCSRFError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /auth/csrf-token
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"token": config.Token}); err != nil {
			slog.Error("failed to write CSRF token", slog.String("error", err.Error()))
		}
	})
}

// GenerateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func GenerateCSRFToken() string {
	return rand.Text()
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func writeCSRFError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
		Code:     "CSRF_REJECTED",
		Message:  "リクエストの送信元を確認できませんでした。",
		Category: "auth",
		Action:   "画面を再読み込みしてから再度お試しください。",
	})
}
