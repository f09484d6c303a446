// Package session はログイン中のトークンを期限前にリフレッシュするバックグラウンド処理を提供する。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval はトークン期限を確認する間隔。
const DefaultInterval = time.Minute

// TokenRefresher はManagerが操作する認証ストアの部分集合。
type TokenRefresher interface {
	IsAuthenticated() bool
	ShouldRefreshToken() bool
	RefreshToken(ctx context.Context) bool
}

// Manager は一定間隔でトークン期限を確認し、必要ならリフレッシュする。
// バックオフやジッターは行わない。リフレッシュ失敗時は認証ストアがログアウトする。
type Manager struct {
	store    TokenRefresher
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	stop func()
}

// NewManager はManagerを生成する。intervalが0以下の場合はDefaultIntervalを使う。
func NewManager(store TokenRefresher, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Tick は1回分の確認を行う。未ログインの場合は何もしない。
// リフレッシュを実行した場合はtrueを返す。
func (m *Manager) Tick(ctx context.Context) bool {
	if !m.store.IsAuthenticated() {
		return false
	}
	if !m.store.ShouldRefreshToken() {
		return false
	}

	m.logger.Info("トークンの期限が近いためリフレッシュします")
	if !m.store.RefreshToken(ctx) {
		m.logger.Warn("トークンのリフレッシュに失敗しました")
	}
	return true
}

// Run はコンテキストがキャンセルされるまでティッカーで確認を繰り返す。
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("セッションマネージャを開始しました",
		slog.Duration("interval", m.interval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("セッションマネージャを停止しました")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Start はRunをゴルーチンで起動し、停止関数を返す。
// 停止関数は冪等で、ループの終了を待ってから戻る。
// 起動中に再度呼ばれた場合は前のループを停止してから起動する。
func (m *Manager) Start(ctx context.Context) (stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		m.stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	m.stop = stop
	return stop
}

// Stop は起動中のループを停止する。起動していなければ何もしない。
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}
