package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/studyquest/internal/metrics"
	"github.com/hitoshi/studyquest/internal/middleware"
)

// healthCheckTimeout はヘルスチェック1回あたりの上限時間。
const healthCheckTimeout = 3 * time.Second

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Sessions                 middleware.SessionReader
	CORSAllowedOrigin        string
	DefaultAuthenticatedPath string
	RateLimiter              *middleware.RateLimiter
	// CSRFToken は状態変更リクエストに要求するトークン。空の場合は生成する。
	CSRFToken string

	// ハンドラー依存
	AuthService   AuthServiceInterface
	SessionInfo   SessionInfo
	Notifications NotificationFeed
	Prompts       PromptSource

	// Gatherer が設定されていれば /metrics を公開する。
	Gatherer prometheus.Gatherer
	// HealthCheck は認証レコードの保存先への疎通確認。nilなら常に正常。
	HealthCheck func(ctx context.Context) error
}

// NewRouter はローカルHTTP面のルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → CSRF → (RouteGuard)
//
// /health、/metrics、/auth/*、/login はガードの外に配置する。
// POST・DELETEはすべてCSRFトークンを要求する。トークンは GET /auth/csrf-token で取得する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	csrf := middleware.CSRFConfig{
		AllowedOrigin: deps.CORSAllowedOrigin,
		Token:         deps.CSRFToken,
	}
	if csrf.Token == "" {
		csrf.Token = middleware.GenerateCSRFToken()
	}
	r.Use(middleware.NewCSRFMiddleware(csrf))

	authHandler := NewAuthHandler(deps.AuthService, deps.SessionInfo)
	sessionHandler := NewSessionHandler(deps.SessionInfo)
	notificationHandler := NewNotificationHandler(deps.Notifications)
	promptHandler := NewPromptHandler(deps.Prompts)
	adminHandler := NewAdminHandler(deps.SessionInfo, deps.Notifications, deps.Prompts)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthCheck))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Get(middleware.LoginPath, authHandler.LoginRequired)

	r.Route("/auth", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(csrf))
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)
	})

	// --- ログインが必要なルート ---

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRouteGuard(deps.Sessions, middleware.GuardOptions{}))

			r.Get("/session", sessionHandler.Get)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", notificationHandler.List)
				r.Post("/read-all", notificationHandler.MarkAllAsRead)
				r.Post("/toggle", notificationHandler.Toggle)
				r.Post("/{id}/read", notificationHandler.MarkAsRead)
			})

			r.Get("/prompt", promptHandler.Get)
			r.Delete("/prompt", promptHandler.Dismiss)
		})

		// 管理者専用
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRouteGuard(deps.Sessions, middleware.GuardOptions{
				RequireAdmin: true,
				FallbackPath: deps.DefaultAuthenticatedPath,
			}))
			r.Get("/admin/diagnostics", adminHandler.Diagnostics)
		})
	})

	return r
}

// healthHandler は疎通確認の結果を返すハンドラーを生成する。
// GET /health
func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
