package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/studyquest/internal/model"
)

// fileRecord はファイルに書き出す形式。ブラウザのストレージと同じくキー付きで保存する。
type fileRecord struct {
	Key   string               `json:"key"`
	State *model.PersistedAuth `json:"state"`
}

// FileAuthRepo はJSONファイルに認証レコードを保存する。
// 書き込みは一時ファイルからのrenameで行い、途中で落ちても壊れたファイルを残さない。
type FileAuthRepo struct {
	mu   sync.Mutex
	path string
}

// NewFileAuthRepo はFileAuthRepoを生成する。
func NewFileAuthRepo(path string) *FileAuthRepo {
	return &FileAuthRepo{path: path}
}

// Load はファイルからレコードを読み込む。ファイルがない場合はnilを返す。
func (r *FileAuthRepo) Load(ctx context.Context) (*model.PersistedAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read auth storage: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse auth storage: %w", err)
	}
	if rec.Key != model.AuthStorageKey {
		return nil, nil
	}
	return rec.State, nil
}

// Save はレコードをファイルに書き込む。パーミッションは0600。
func (r *FileAuthRepo) Save(ctx context.Context, state *model.PersistedAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(fileRecord{Key: model.AuthStorageKey, State: state})
	if err != nil {
		return fmt.Errorf("failed to encode auth storage: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".auth-storage-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write auth storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace auth storage: %w", err)
	}
	return nil
}

// Clear はファイルを削除する。
func (r *FileAuthRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear auth storage: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthStateRepository = (*FileAuthRepo)(nil)
