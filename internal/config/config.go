// Package config はサーバーとターミナルクライアントの設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// リアルタイム通知のバックエンド。
const (
	RealtimePostgres = "postgres"
	RealtimeRedis    = "redis"
	RealtimeMemory   = "memory"
)

// ログ出力形式。
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth（3つすべて設定された場合のみGoogleサインインを有効にする）
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Realtime
	RealtimeBackend string
	RedisURL        string
	StreamHeartbeat time.Duration

	// Tasks
	TaskTextMax int

	// Worker
	CleanupSchedule string

	// Logging
	LogFormat string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// GoogleEnabled はGoogleサインインの設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数の欠落と、解釈できない列挙値やスケジュールはエラーにする。
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		BaseURL:       os.Getenv("BASE_URL"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),

		SessionMaxAge:     getEnvInt("SESSION_MAX_AGE", 86400),
		RateLimitGeneral:  getEnvInt("RATE_LIMIT_GENERAL", 120),
		RateLimitAuth:     getEnvInt("RATE_LIMIT_AUTH", 10),
		RealtimeBackend:   strings.ToLower(getEnvString("REALTIME_BACKEND", RealtimePostgres)),
		RedisURL:          getEnvString("REDIS_URL", ""),
		StreamHeartbeat:   getEnvDuration("STREAM_HEARTBEAT", 25*time.Second),
		TaskTextMax:       getEnvInt("TASK_TEXT_MAX", 500),
		CleanupSchedule:   getEnvString("CLEANUP_SCHEDULE", "@hourly"),
		LogFormat:         strings.ToLower(getEnvString("LOG_FORMAT", LogFormatJSON)),
		ServerPort:        getEnvString("SERVER_PORT", "8080"),
		CookieDomain:      getEnvString("COOKIE_DOMAIN", ""),
		CORSAllowedOrigin: getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"DATABASE_URL":   c.DatabaseURL,
		"SESSION_SECRET": c.SessionSecret,
		"BASE_URL":       c.BaseURL,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch c.RealtimeBackend {
	case RealtimePostgres, RealtimeMemory:
	case RealtimeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown REALTIME_BACKEND: %q", c.RealtimeBackend)
	}

	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("unknown LOG_FORMAT: %q", c.LogFormat)
	}
	if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
		return fmt.Errorf("invalid CLEANUP_SCHEDULE %q: %w", c.CleanupSchedule, err)
	}
	return nil
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
