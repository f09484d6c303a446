// Package notification はログインユーザーの通知フィードとポーリングを提供する。
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/studyquest/internal/metrics"
	"github.com/hitoshi/studyquest/internal/model"
	"github.com/hitoshi/studyquest/internal/security"
)

// DefaultPollInterval は通知ポーリングの間隔。
const DefaultPollInterval = 30 * time.Second

// fetchErrorMessage はフェッチ失敗時にフィードへ設定するメッセージ。
const fetchErrorMessage = "通知の取得に失敗しました。"

// API は通知フィードが使うバックエンドAPI。
type API interface {
	ListNotifications(ctx context.Context, userID string) (*model.NotificationList, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
}

// SessionView はフェッチ結果を適用してよいか判断するための認証状態。
type SessionView interface {
	IsAuthenticated() bool
	UserID() string
}

// Options はFeedの設定。
type Options struct {
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
	Sanitizer security.TextSanitizer
	// Session が設定されている場合、ログアウト後やユーザー切り替え後に届いた結果を破棄する。
	Session SessionView
}

// Feed は通知一覧・未読数・開閉状態を保持する。
// 既読化は楽観的に反映し、API呼び出しは待たずに裏で行う（失敗しても元に戻さない）。
type Feed struct {
	mu      sync.Mutex
	items   []model.Notification
	unread  int
	isOpen  bool
	loading bool
	errMsg  string
	// generation はResetのたびに進め、それ以前に始まったフェッチの結果を捨てる
	generation uint64

	api       API
	session   SessionView
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	pollMu     sync.Mutex
	stopPoll   func()
	cancelPoll context.CancelFunc
	polling    atomic.Int32

	// 投げっぱなしのAPI呼び出し
	inflight sync.WaitGroup
}

// NewFeed は空のFeedを生成する。
func NewFeed(api API, opts Options) *Feed {
	f := &Feed{
		items:     []model.Notification{},
		api:       api,
		session:   opts.Session,
		sanitizer: opts.Sanitizer,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if f.sanitizer == nil {
		f.sanitizer = security.NewTextSanitizer()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.metrics == nil {
		f.metrics = metrics.Nop{}
	}
	return f
}

// Fetch は通知一覧を取得してフィードを置き換える。
// 失敗時はエラー表示用のメッセージを設定する。どちらの場合もloadingは解除する。
// 取得中にログアウトやユーザー切り替えがあった場合は結果を破棄する。
// 破棄した場合でも、呼び出し自体がセッション切れで失敗していればそのエラーを返す。
func (f *Feed) Fetch(ctx context.Context, userID string) error {
	f.mu.Lock()
	f.loading = true
	gen := f.generation
	f.mu.Unlock()

	list, err := f.api.ListNotifications(ctx, userID)

	f.mu.Lock()
	defer f.mu.Unlock()

	if gen != f.generation || !f.sessionMatches(userID) {
		if gen == f.generation {
			f.loading = false
		}
		f.logger.Info("ログアウト後に届いた通知一覧を破棄しました",
			slog.String("user_id", userID),
		)
		if errors.Is(err, model.ErrAuthExpired) {
			return err
		}
		return nil
	}

	f.loading = false
	f.metrics.RecordNotificationFetch(err == nil)
	if err != nil {
		f.errMsg = fetchErrorMessage
		f.logger.Warn("通知の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return err
	}

	items := make([]model.Notification, 0, len(list.Notifications))
	for _, n := range list.Notifications {
		items = append(items, f.sanitize(n))
	}
	f.items = items
	f.unread = max(list.UnreadCount, 0)
	f.errMsg = ""
	f.metrics.SetUnreadNotifications(f.unread)
	return nil
}

// sessionMatches は結果を適用してよい認証状態かどうかを返す。f.muを保持した状態で呼ぶこと。
func (f *Feed) sessionMatches(userID string) bool {
	if f.session == nil {
		return true
	}
	return f.session.IsAuthenticated() && f.session.UserID() == userID
}

// MarkAsRead は未読の通知を既読にして未読数を1減らし、APIに通知する。
// 既読済みや存在しない通知の場合は何もせずfalseを返す。
func (f *Feed) MarkAsRead(ctx context.Context, id string) bool {
	f.mu.Lock()
	changed := false
	for i := range f.items {
		if f.items[i].ID != id {
			continue
		}
		if f.items[i].Status == model.NotificationUnread {
			f.items[i].Status = model.NotificationRead
			f.unread = max(f.unread-1, 0)
			changed = true
		}
		break
	}
	unread := f.unread
	f.mu.Unlock()

	if !changed {
		return false
	}
	f.metrics.SetUnreadNotifications(unread)

	f.goBackground(ctx, "通知の既読化に失敗しました", slog.String("notification_id", id), func(ctx context.Context) error {
		return f.api.MarkNotificationRead(ctx, id)
	})
	return true
}

// MarkAllAsRead はすべての通知を既読にし、未読数を0にしてAPIに通知する。
func (f *Feed) MarkAllAsRead(ctx context.Context, userID string) {
	f.mu.Lock()
	for i := range f.items {
		f.items[i].Status = model.NotificationRead
	}
	f.unread = 0
	f.mu.Unlock()

	f.metrics.SetUnreadNotifications(0)

	f.goBackground(ctx, "通知の一括既読化に失敗しました", slog.String("user_id", userID), func(ctx context.Context) error {
		return f.api.MarkAllNotificationsRead(ctx, userID)
	})
}

// goBackground はAPI呼び出しを待たずに実行する。呼び出し元のキャンセルは引き継がない。
func (f *Feed) goBackground(ctx context.Context, failMsg string, attr slog.Attr, call func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		if err := call(ctx); err != nil {
			f.logger.Warn(failMsg, attr, slog.String("error", err.Error()))
		}
	}()
}

// Wait は実行中の既読化API呼び出しの完了を待つ。
func (f *Feed) Wait() {
	f.inflight.Wait()
}

// Add は通知を先頭に追加する。未読の場合は未読数を1増やす。
func (f *Feed) Add(n model.Notification) {
	n = f.sanitize(n)

	f.mu.Lock()
	f.items = append([]model.Notification{n}, f.items...)
	if n.Status == model.NotificationUnread {
		f.unread++
	}
	unread := f.unread
	f.mu.Unlock()

	f.metrics.SetUnreadNotifications(unread)
}

// SetOpen はフィードの開閉状態を設定する。
func (f *Feed) SetOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isOpen = open
}

// Toggle は開閉状態を反転し、反転後の状態を返す。
func (f *Feed) Toggle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isOpen = !f.isOpen
	return f.isOpen
}

// Snapshot は現在の状態のコピーを返す。
func (f *Feed) Snapshot() model.NotificationFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]model.Notification, len(f.items))
	copy(items, f.items)
	return model.NotificationFeed{
		Items:       items,
		UnreadCount: f.unread,
		IsOpen:      f.isOpen,
		Loading:     f.loading,
		Error:       f.errMsg,
	}
}

// Reset は通知を空にして初期状態に戻す。実行中のフェッチの結果は破棄される。
func (f *Feed) Reset() {
	f.mu.Lock()
	f.items = []model.Notification{}
	f.unread = 0
	f.isOpen = false
	f.loading = false
	f.errMsg = ""
	f.generation++
	f.mu.Unlock()

	f.metrics.SetUnreadNotifications(0)
}

// StartPolling は即座に1回取得し、以降intervalごとに取得を繰り返す。
// ポーリングはFeedごとに1つだけで、既に動いている場合は停止してから開始する。
// 返す停止関数は冪等で、ループの終了を待ってから戻る。
func (f *Feed) StartPolling(ctx context.Context, userID string, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}

	f.pollMu.Lock()
	prevStop, prevCancel := f.stopPoll, f.cancelPoll
	if prevCancel != nil {
		prevCancel()
	}
	f.stopPoll = stop
	f.cancelPoll = cancel
	f.pollMu.Unlock()

	// 前のループの終了はロック外で待つ
	if prevStop != nil {
		prevStop()
	}

	f.polling.Add(1)
	go func() {
		defer close(done)
		defer f.polling.Add(-1)
		f.poll(ctx, userID, interval)
	}()
	return stop
}

func (f *Feed) poll(ctx context.Context, userID string, interval time.Duration) {
	if ctx.Err() != nil {
		return
	}
	f.logger.Info("通知のポーリングを開始しました",
		slog.String("user_id", userID),
		slog.Duration("interval", interval),
	)

	// 失敗はFetch内で記録済み
	_ = f.Fetch(ctx, userID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("通知のポーリングを停止しました", slog.String("user_id", userID))
			return
		case <-ticker.C:
			_ = f.Fetch(ctx, userID)
		}
	}
}

// StopPolling は動いているポーリングを停止する。動いていなければ何もしない。
func (f *Feed) StopPolling() {
	f.pollMu.Lock()
	stop := f.stopPoll
	f.stopPoll = nil
	f.cancelPoll = nil
	f.pollMu.Unlock()

	if stop != nil {
		stop()
	}
}

// CancelPolling はポーリングの停止を要求し、終了を待たずに戻る。
// ポーリング中のAPI呼び出し（401によるログアウトなど）から呼ばれても待ち合わせで止まらない。
func (f *Feed) CancelPolling() {
	f.pollMu.Lock()
	defer f.pollMu.Unlock()
	if f.cancelPoll != nil {
		f.cancelPoll()
	}
	f.stopPoll = nil
	f.cancelPoll = nil
}

// IsPolling はポーリングが動いているかどうかを返す。
func (f *Feed) IsPolling() bool {
	return f.polling.Load() > 0
}

func (f *Feed) sanitize(n model.Notification) model.Notification {
	n.Title = f.sanitizer.Sanitize(n.Title)
	n.Message = f.sanitizer.Sanitize(n.Message)
	if n.Status == "" {
		n.Status = model.NotificationUnread
	}
	return n
}
