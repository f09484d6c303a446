package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/studyquest/internal/model"
)

// MemoryAuthRepo はプロセス内メモリに認証レコードを保持する。
// テストや永続化不要の実行で使う。
type MemoryAuthRepo struct {
	mu    sync.Mutex
	state *model.PersistedAuth
}

// NewMemoryAuthRepo はMemoryAuthRepoを生成する。
func NewMemoryAuthRepo() *MemoryAuthRepo {
	return &MemoryAuthRepo{}
}

// Load は保存済みのレコードのコピーを返す。
func (r *MemoryAuthRepo) Load(ctx context.Context) (*model.PersistedAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, nil
	}
	return clonePersistedAuth(r.state), nil
}

// Save はレコードのコピーを保存する。
func (r *MemoryAuthRepo) Save(ctx context.Context, state *model.PersistedAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = clonePersistedAuth(state)
	return nil
}

// Clear はレコードを削除する。
func (r *MemoryAuthRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = nil
	return nil
}

func clonePersistedAuth(s *model.PersistedAuth) *model.PersistedAuth {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		if s.User.TrialStartedAt != nil {
			ts := *s.User.TrialStartedAt
			u.TrialStartedAt = &ts
		}
		c.User = &u
	}
	return &c
}

// compile-time interface check
var _ AuthStateRepository = (*MemoryAuthRepo)(nil)
