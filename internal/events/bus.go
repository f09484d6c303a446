// Package events はHTTP層と表示層を疎結合にするためのpub/subを提供する。
// 発行側は購読者を知らずにイベントを通知できる。
package events

import (
	"sync"

	"github.com/hitoshi/studyquest/internal/model"
)

// Topic はイベントの種類。
type Topic string

const (
	// TopicTierUpgradeRequired はプラン不足でAPIが拒否されたときに発行される。
	TopicTierUpgradeRequired Topic = "tier-upgrade-required"
	// TopicNavigate は画面遷移の要求（401時の/loginなど）。
	TopicNavigate Topic = "navigate"
	// TopicLoggedIn はログイン完了時に発行される。
	TopicLoggedIn Topic = "session.logged_in"
	// TopicLoggedOut はログアウト（401・リフレッシュ失敗を含む）時に発行される。
	TopicLoggedOut Topic = "session.logged_out"
)

// Event はバスに流れるイベント。
type Event interface {
	Topic() Topic
}

// TierUpgradeRequired はアップグレード案内に必要な情報を運ぶ。
type TierUpgradeRequired struct {
	Code         string     `json:"code"`
	RequiredTier model.Tier `json:"requiredTier"`
	CurrentTier  model.Tier `json:"currentTier"`
}

func (TierUpgradeRequired) Topic() Topic { return TopicTierUpgradeRequired }

// Navigate は遷移先パスを運ぶ。
type Navigate struct {
	Path string `json:"path"`
}

func (Navigate) Topic() Topic { return TopicNavigate }

// LoggedIn はログインしたユーザーを運ぶ。
type LoggedIn struct {
	User model.UserSummary
}

func (LoggedIn) Topic() Topic { return TopicLoggedIn }

// LoggedOut はログアウトを通知する。
type LoggedOut struct{}

func (LoggedOut) Topic() Topic { return TopicLoggedOut }

// Handler はイベントを受け取るコールバック。
type Handler func(Event)

// Publisher はイベントの発行インターフェース。
type Publisher interface {
	Publish(ev Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus はトピック単位でハンドラーを管理するイベントバス。
// ハンドラーはPublishを呼んだgoroutine上で同期的に実行される。
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
}

// NewBus は空のBusを生成する。
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe はtopicの購読を登録し、購読解除関数を返す。
// 解除関数は複数回呼んでも安全。
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish は購読中のハンドラーへイベントを配送する。
// 配送中にSubscribe/解除が行われてもデッドロックしないよう、ハンドラー一覧をコピーしてから呼び出す。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Topic()]))
	copy(subs, b.subs[ev.Topic()])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

var _ Publisher = (*Bus)(nil)
