// Package apiclient はバックエンドREST APIのクライアントを提供する。
// Bearerトークンの付与、401時のセッション破棄、プラン拒否時のイベント発行を共通処理として行う。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/studyquest/internal/events"
	"github.com/hitoshi/studyquest/internal/metrics"
	"github.com/hitoshi/studyquest/internal/model"
)

const (
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
	// LoginPath は401時の遷移先。
	LoginPath = "/login"

	userAgent = "StudyQuest/1.0 Session Client"
)

// TokenSource は現在のアクセストークンを返す。未ログインの場合は空文字列。
type TokenSource interface {
	Token() string
}

// UnauthorizedHandler は401を受け取ったときにセッションを破棄する。
type UnauthorizedHandler interface {
	HandleUnauthorized(ctx context.Context)
}

// SessionBinding はクライアントに結び付ける認証ストア。
type SessionBinding interface {
	TokenSource
	UnauthorizedHandler
}

// Options はClientの設定。
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    metrics.MetricsCollector
	Publisher  events.Publisher
	// Limiter は送信リクエストの流量制限。nilの場合は制限しない。
	Limiter *rate.Limiter
}

// Client はバックエンドAPIのクライアント。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	publisher  events.Publisher
	limiter    *rate.Limiter

	mu      sync.RWMutex
	session SessionBinding
}

// NewClient はClientを生成する。baseURLはAPIのルート（例: https://api.example.com/api）。
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL scheme: %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		limiter:    opts.Limiter,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	return c, nil
}

// BindSession はトークンの取得元と401時の処理先を設定する。
// 認証ストアはリフレッシュにこのクライアントを使うため、生成後に結び付ける。
func (c *Client) BindSession(s SessionBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) boundSession() SessionBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// request は1回のAPI呼び出しの内容。
type request struct {
	method   string
	path     string
	query    url.Values
	body     any
	endpoint string // メトリクス・ログ用のラベル
	// authEndpoint はログイン・登録・リフレッシュなどの認証系エンドポイント。
	// 401は認証情報の誤りを意味するため、セッション破棄を行わない。
	authEndpoint bool
}

// errorBody はAPIのエラーレスポンス。
type errorBody struct {
	Code         string     `json:"code"`
	Message      string     `json:"message"`
	Error        string     `json:"error"`
	RequiredTier model.Tier `json:"requiredTier"`
	CurrentTier  model.Tier `json:"currentTier"`
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
func (c *Client) do(ctx context.Context, r request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.NewNetworkError(err)
		}
	}

	req, err := c.newRequest(ctx, r)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPIRequest(r.endpoint, 0, time.Since(start))
		c.logger.Warn("APIの呼び出しに失敗しました",
			slog.String("endpoint", r.endpoint),
			slog.String("request_id", req.Header.Get("X-Request-ID")),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordAPIRequest(r.endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(ctx, r, resp.StatusCode, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("APIレスポンスのパースに失敗しました",
			slog.String("endpoint", r.endpoint),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidPayloadError(err.Error())
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u := c.baseURL.JoinPath(r.path)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if s := c.boundSession(); s != nil {
		if token := s.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// handleErrorResponse は非2xxレスポンスをエラーに変換する。
// 401はセッションを破棄して/loginへの遷移を要求し、プラン拒否はアップグレード案内を発行する。
func (c *Client) handleErrorResponse(ctx context.Context, r request, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	message := eb.Message
	if message == "" {
		message = eb.Error
	}

	if status == http.StatusUnauthorized && !r.authEndpoint {
		c.logger.Warn("APIが401を返したためセッションを破棄します",
			slog.String("endpoint", r.endpoint),
		)
		if s := c.boundSession(); s != nil {
			s.HandleUnauthorized(ctx)
		}
		c.publish(events.Navigate{Path: LoginPath})
		return model.NewAuthExpiredError()
	}

	if (status == http.StatusPaymentRequired || status == http.StatusForbidden) && model.IsTierDenialCode(eb.Code) {
		c.logger.Info("プラン不足によりAPIが拒否されました",
			slog.String("endpoint", r.endpoint),
			slog.String("code", eb.Code),
			slog.String("required_tier", string(eb.RequiredTier)),
			slog.String("current_tier", string(eb.CurrentTier)),
		)
		c.metrics.RecordTierDenied(eb.Code)
		c.publish(events.TierUpgradeRequired{
			Code:         eb.Code,
			RequiredTier: eb.RequiredTier,
			CurrentTier:  eb.CurrentTier,
		})
		return &model.TierDeniedError{
			Code:         eb.Code,
			RequiredTier: eb.RequiredTier,
			CurrentTier:  eb.CurrentTier,
			Message:      message,
		}
	}

	if status >= http.StatusInternalServerError {
		c.logger.Error("APIがエラーステータスを返しました",
			slog.String("endpoint", r.endpoint),
			slog.Int("http_status", status),
		)
	}
	return model.NewRequestFailedError(status, eb.Code, message)
}

func (c *Client) publish(ev events.Event) {
	if c.publisher != nil {
		c.publisher.Publish(ev)
	}
}
