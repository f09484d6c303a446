// Package repository は認証レコード（auth-storage）の永続化を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/studyquest/internal/model"
)

// AuthStateRepository は認証レコードの永続化インターフェース。
// レコードは1件のみで、ログアウトや401時にまるごと削除される。
type AuthStateRepository interface {
	// Load は保存済みのレコードを取得する。存在しない場合はnilを返す。
	Load(ctx context.Context) (*model.PersistedAuth, error)
	// Save はレコードを上書き保存する。
	Save(ctx context.Context, state *model.PersistedAuth) error
	// Clear はレコードを削除する。存在しない場合もエラーにしない。
	Clear(ctx context.Context) error
}
