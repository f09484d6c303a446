package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/studyquest/internal/apiclient"
	"github.com/hitoshi/studyquest/internal/auth"
	"github.com/hitoshi/studyquest/internal/config"
	"github.com/hitoshi/studyquest/internal/database"
	"github.com/hitoshi/studyquest/internal/events"
	"github.com/hitoshi/studyquest/internal/handler"
	"github.com/hitoshi/studyquest/internal/metrics"
	"github.com/hitoshi/studyquest/internal/middleware"
	"github.com/hitoshi/studyquest/internal/notification"
	"github.com/hitoshi/studyquest/internal/prompt"
	"github.com/hitoshi/studyquest/internal/repository"
	"github.com/hitoshi/studyquest/internal/security"
	"github.com/hitoshi/studyquest/internal/session"
)

// storageConnectTimeout は保存先への初回接続の上限時間。
const storageConnectTimeout = 5 * time.Second

// redisNamespace はRedisに保存する認証レコードのキー接頭辞。
const redisNamespace = "studyquest"

// storage は認証レコードの保存先と、その疎通確認・終了処理をまとめる。
type storage struct {
	repo  repository.AuthStateRepository
	ping  func(ctx context.Context) error
	close func() error
}

// openStorage は設定された保存先を開く。
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		return &storage{repo: repository.NewMemoryAuthRepo(), close: func() error { return nil }}, nil

	case config.StorageRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, storageConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		slog.Info("Redisに接続しました")
		return &storage{
			repo:  repository.NewRedisAuthRepo(client, redisNamespace),
			ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close: client.Close,
		}, nil

	case config.StoragePostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL, storageConnectTimeout)
		if err != nil {
			return nil, err
		}

		slog.Info("データベースに接続しました")
		return &storage{
			repo:  repository.NewPostgresAuthRepo(db),
			ping:  db.PingContext,
			close: db.Close,
		}, nil

	default:
		return &storage{repo: repository.NewFileAuthRepo(cfg.StoragePath), close: func() error { return nil }}, nil
	}
}

// components はコマンドが使う依存関係一式。
type components struct {
	logger    *slog.Logger
	bus       *events.Bus
	registry  *prometheus.Registry
	client    *apiclient.Client
	store     *auth.Store
	service   *auth.Service
	feed      *notification.Feed
	prompter  *prompt.Prompter
	manager   *session.Manager
	subscribe []func()
}

// newComponents はAPIクライアント・認証ストア・通知フィードを組み立てる。
// クライアントとストアは互いを参照するため、ストア生成後にBindSessionで結び付ける。
func newComponents(cfg *config.Config, repo repository.AuthStateRepository, logger *slog.Logger) (*components, error) {
	bus := events.NewBus()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	var limiter *rate.Limiter
	if cfg.APIRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.APIRateLimit), cfg.APIRateBurst)
	}

	client, err := apiclient.NewClient(cfg.APIBaseURL, apiclient.Options{
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
		Logger:     logger,
		Metrics:    collector,
		Publisher:  bus,
		Limiter:    limiter,
	})
	if err != nil {
		return nil, err
	}

	store := auth.NewStore(repo, client, auth.Options{
		RefreshLead: cfg.TokenRefreshLead,
		TrialDays:   cfg.TrialDays,
		Logger:      logger,
		Metrics:     collector,
		Publisher:   bus,
	})
	client.BindSession(store)

	feed := notification.NewFeed(client, notification.Options{
		Logger:    logger,
		Metrics:   collector,
		Sanitizer: security.NewTextSanitizer(),
		Session:   store,
	})

	c := &components{
		logger:   logger,
		bus:      bus,
		registry: registry,
		client:   client,
		store:    store,
		service:  auth.NewService(client, store, logger),
		feed:     feed,
		prompter: prompt.NewPrompter(bus, logger),
		manager:  session.NewManager(store, cfg.TokenCheckInterval, logger),
	}

	c.subscribe = append(c.subscribe, bus.Subscribe(events.TopicNavigate, func(ev events.Event) {
		if nav, ok := ev.(events.Navigate); ok {
			logger.Info("画面遷移が要求されました", slog.String("path", nav.Path))
		}
	}))
	return c, nil
}

// enableNotificationPolling はログインで通知ポーリングを開始し、ログアウトで停止する。
// Restoreより前に呼ぶこと。
func (c *components) enableNotificationPolling(ctx context.Context, interval time.Duration) {
	c.subscribe = append(c.subscribe,
		c.bus.Subscribe(events.TopicLoggedIn, func(ev events.Event) {
			in, ok := ev.(events.LoggedIn)
			if !ok {
				return
			}
			c.feed.StartPolling(ctx, in.User.ID, interval)
		}),
		// ログアウトはポーリング中の401から発行されることがあるため、停止を待たないCancelPollingを使う
		c.bus.Subscribe(events.TopicLoggedOut, func(events.Event) {
			c.feed.CancelPolling()
			c.feed.Reset()
		}),
	)
}

// router はローカルHTTP面のルーターを組み立てる。
func (c *components) router(cfg *config.Config, limiter *middleware.RateLimiter, healthCheck func(ctx context.Context) error) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:                   c.logger,
		Sessions:                 c.store,
		CORSAllowedOrigin:        cfg.CORSAllowedOrigin,
		DefaultAuthenticatedPath: cfg.DefaultAuthenticatedPath,
		RateLimiter:              limiter,
		CSRFToken:                middleware.GenerateCSRFToken(),
		AuthService:              c.service,
		SessionInfo:              c.store,
		Notifications:            c.feed,
		Prompts:                  c.prompter,
		Gatherer:                 c.registry,
		HealthCheck:              healthCheck,
	})
}

// close は購読を解除し、バックグラウンド処理の終了を待つ。
func (c *components) close() {
	for _, u := range c.subscribe {
		u()
	}
	c.prompter.Close()
	c.manager.Stop()
	c.feed.StopPolling()
	c.feed.Wait()
}
