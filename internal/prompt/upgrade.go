// Package prompt はプラン不足で拒否されたときのアップグレード案内を保持する。
package prompt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyquest/internal/events"
	"github.com/hitoshi/studyquest/internal/model"
)

// Subscriber はイベントの購読インターフェース。events.Busが満たす。
type Subscriber interface {
	Subscribe(topic events.Topic, h events.Handler) (unsubscribe func())
}

// UpgradePrompt は表示待ちのアップグレード案内。
type UpgradePrompt struct {
	Code         string     `json:"code"`
	RequiredTier model.Tier `json:"requiredTier"`
	CurrentTier  model.Tier `json:"currentTier"`
	Message      string     `json:"message"`
	ReceivedAt   time.Time  `json:"receivedAt"`
}

// Prompter はTierUpgradeRequiredを購読し、最新の案内を1件だけ保持する。
// ログアウト時には案内を破棄する。
type Prompter struct {
	mu      sync.Mutex
	pending *UpgradePrompt
	now     func() time.Time
	logger  *slog.Logger

	unsubscribe []func()
}

// NewPrompter はPrompterを生成し、busの購読を開始する。
func NewPrompter(bus Subscriber, logger *slog.Logger) *Prompter {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prompter{now: time.Now, logger: logger}
	p.unsubscribe = append(p.unsubscribe,
		bus.Subscribe(events.TopicTierUpgradeRequired, p.onTierUpgradeRequired),
		bus.Subscribe(events.TopicLoggedOut, func(events.Event) { p.Dismiss() }),
	)
	return p
}

func (p *Prompter) onTierUpgradeRequired(ev events.Event) {
	e, ok := ev.(events.TierUpgradeRequired)
	if !ok {
		return
	}
	pr := &UpgradePrompt{
		Code:         e.Code,
		RequiredTier: e.RequiredTier,
		CurrentTier:  e.CurrentTier,
		Message:      messageFor(e),
		ReceivedAt:   p.now(),
	}

	p.mu.Lock()
	p.pending = pr
	p.mu.Unlock()

	p.logger.Info("アップグレード案内を受け付けました",
		slog.String("code", e.Code),
		slog.String("required_tier", string(e.RequiredTier)),
		slog.String("current_tier", string(e.CurrentTier)),
	)
}

// Pending は表示待ちの案内を返す。なければfalse。
func (p *Prompter) Pending() (UpgradePrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return UpgradePrompt{}, false
	}
	return *p.pending, true
}

// Dismiss は表示待ちの案内を破棄する。破棄した場合はtrueを返す。
func (p *Prompter) Dismiss() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	had := p.pending != nil
	p.pending = nil
	return had
}

// Close は購読を解除する。
func (p *Prompter) Close() {
	for _, u := range p.unsubscribe {
		u()
	}
}

func messageFor(e events.TierUpgradeRequired) string {
	if e.Code == model.ErrCodeTrialExpired {
		return "無料トライアル期間が終了しました。引き続きご利用いただくにはプランをアップグレードしてください。"
	}
	if e.RequiredTier != "" {
		return "この機能は " + string(e.RequiredTier) + " プラン以上でご利用いただけます。"
	}
	return "この機能をご利用いただくにはプランのアップグレードが必要です。"
}
