package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/studyquest/internal/model"
)

// RedisKV はRedisAuthRepoが使うコマンドの部分集合。*redis.Clientが満たす。
type RedisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisAuthRepo はRedisに認証レコードを保存する。
// 複数端末のコンパニオンプロセスで同じレコードを共有する場合に使う。
type RedisAuthRepo struct {
	client RedisKV
	key    string
}

// NewRedisAuthRepo はRedisAuthRepoを生成する。
// namespaceが空でなければキーは "<namespace>:auth-storage" になる。
func NewRedisAuthRepo(client RedisKV, namespace string) *RedisAuthRepo {
	key := model.AuthStorageKey
	if namespace != "" {
		key = namespace + ":" + key
	}
	return &RedisAuthRepo{client: client, key: key}
}

// Load はRedisからレコードを取得する。キーがない場合はnilを返す。
func (r *RedisAuthRepo) Load(ctx context.Context) (*model.PersistedAuth, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth storage from redis: %w", err)
	}

	var state model.PersistedAuth
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, fmt.Errorf("failed to parse auth storage: %w", err)
	}
	return &state, nil
}

// Save はレコードを期限なしで保存する。
func (r *RedisAuthRepo) Save(ctx context.Context, state *model.PersistedAuth) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode auth storage: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save auth storage to redis: %w", err)
	}
	return nil
}

// Clear はキーを削除する。
func (r *RedisAuthRepo) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear auth storage in redis: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ AuthStateRepository = (*RedisAuthRepo)(nil)
	_ RedisKV             = (*redis.Client)(nil)
)
