package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// 認証レコードの保存先
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL   string
	APITimeout   time.Duration
	APIRateLimit float64
	APIRateBurst int

	// Auth storage
	StorageBackend string
	StoragePath    string
	RedisURL       string
	DatabaseURL    string

	// Session
	TokenRefreshLead   time.Duration
	TokenCheckInterval time.Duration
	TrialDays          int

	// Notification
	NotificationPollInterval time.Duration

	// Server
	ServerPort               string
	CORSAllowedOrigin        string
	DefaultAuthenticatedPath string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}

	cfg.StorageBackend = getEnvString("AUTH_STORAGE_BACKEND", StorageFile)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	switch cfg.StorageBackend {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported AUTH_STORAGE_BACKEND: %q", cfg.StorageBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 10*time.Second)
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", 10)
	cfg.APIRateBurst = getEnvInt("API_RATE_BURST", 20)
	cfg.StoragePath = getEnvString("AUTH_STORAGE_PATH", "auth-storage.json")
	cfg.TokenRefreshLead = getEnvDuration("TOKEN_REFRESH_LEAD", 5*time.Minute)
	cfg.TokenCheckInterval = getEnvDuration("TOKEN_CHECK_INTERVAL", time.Minute)
	cfg.TrialDays = getEnvInt("TRIAL_DAYS", 15)
	cfg.NotificationPollInterval = getEnvDuration("NOTIFICATION_POLL_INTERVAL", 30*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.DefaultAuthenticatedPath = getEnvString("DEFAULT_AUTHENTICATED_PATH", "/dashboard")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
