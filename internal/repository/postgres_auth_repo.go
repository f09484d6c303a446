package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/studyquest/internal/model"
)

// PostgresAuthRepo はPostgreSQLのauth_storageテーブルに認証レコードを保存する。
type PostgresAuthRepo struct {
	db  *sql.DB
	key string
}

// NewPostgresAuthRepo はPostgresAuthRepoを生成する。
func NewPostgresAuthRepo(db *sql.DB) *PostgresAuthRepo {
	return &PostgresAuthRepo{db: db, key: model.AuthStorageKey}
}

// Load はレコードを取得する。行がない場合はnilを返す。
func (r *PostgresAuthRepo) Load(ctx context.Context) (*model.PersistedAuth, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM auth_storage WHERE key = $1`,
		r.key,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth storage: %w", err)
	}

	var state model.PersistedAuth
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse auth storage: %w", err)
	}
	return &state, nil
}

// Save はレコードをUPSERTする。
func (r *PostgresAuthRepo) Save(ctx context.Context, state *model.PersistedAuth) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode auth storage: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO auth_storage (key, data, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		r.key, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth storage: %w", err)
	}
	return nil
}

// Clear はレコードを削除する。
func (r *PostgresAuthRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_storage WHERE key = $1`,
		r.key,
	)
	if err != nil {
		return fmt.Errorf("failed to clear auth storage: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthStateRepository = (*PostgresAuthRepo)(nil)
