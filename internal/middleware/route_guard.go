// Package middleware はローカルHTTP面のミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hitoshi/studyquest/internal/model"
)

const (
	// LoginPath は未ログイン時の遷移先。
	LoginPath = "/login"
	// DefaultAuthenticatedPath は権限不足時の遷移先。
	DefaultAuthenticatedPath = "/dashboard"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey     = contextKey("user_id")
	roleContextKey       = contextKey("role")
	userHolderContextKey = contextKey("user_holder")
)

// AuthState はガード判定に使う認証状態。
type AuthState struct {
	IsAuthenticated bool
	Role            model.Role
}

// Route は保護対象ルートの要件。
type Route struct {
	Path         string
	RequireAdmin bool
	// FallbackPath は管理者以外を戻す先。空の場合はDefaultAuthenticatedPath。
	FallbackPath string
}

// Decision はガードの判定結果。Allowがfalseの場合はRedirectToへ遷移させる。
type Decision struct {
	Allow      bool
	RedirectTo string
}

// Decide は認証状態とルート要件から遷移先を決める。副作用はない。
//
//	未ログイン                        → /login
//	管理者必須かつロールがadmin以外   → FallbackPath
//	それ以外                          → 表示を許可
func Decide(state AuthState, route Route) Decision {
	if !state.IsAuthenticated {
		return Decision{RedirectTo: LoginPath}
	}
	if route.RequireAdmin && state.Role != model.RoleAdmin {
		fallback := route.FallbackPath
		if fallback == "" {
			fallback = DefaultAuthenticatedPath
		}
		return Decision{RedirectTo: fallback}
	}
	return Decision{Allow: true}
}

// SessionReader は現在のセッションを返す。auth.Storeが満たす。
type SessionReader interface {
	Session() model.Session
}

// GuardOptions はルートガードの設定。
type GuardOptions struct {
	RequireAdmin bool
	FallbackPath string
}

// NewRouteGuard はセッションを確認し、許可されないリクエストを302でリダイレクトするミドルウェアを返す。
// 許可したリクエストにはユーザーIDとロールをコンテキストに注入する。
func NewRouteGuard(sessions SessionReader, opts GuardOptions) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessions.Session()
			state := AuthState{IsAuthenticated: sess.IsAuthenticated && sess.User != nil}
			if sess.User != nil {
				state.Role = sess.User.Role
			}

			d := Decide(state, Route{
				Path:         r.URL.Path,
				RequireAdmin: opts.RequireAdmin,
				FallbackPath: opts.FallbackPath,
			})
			if !d.Allow {
				http.Redirect(w, r, d.RedirectTo, http.StatusFound)
				return
			}

			if h, ok := r.Context().Value(userHolderContextKey).(*userHolder); ok {
				h.set(sess.User.ID)
			}
			ctx := ContextWithUserID(r.Context(), sess.User.ID)
			ctx = context.WithValue(ctx, roleContextKey, sess.User.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ルートガードを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// RoleFromContext はリクエストコンテキストからロールを取得する。
func RoleFromContext(ctx context.Context) (model.Role, bool) {
	role, ok := ctx.Value(roleContextKey).(model.Role)
	return role, ok
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// userHolder はガードが確定したユーザーIDを外側のログミドルウェアへ渡す。
type userHolder struct {
	mu     sync.Mutex
	userID string
}

func (h *userHolder) set(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userID = userID
}

func (h *userHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

func contextWithUserHolder(ctx context.Context, h *userHolder) context.Context {
	return context.WithValue(ctx, userHolderContextKey, h)
}
