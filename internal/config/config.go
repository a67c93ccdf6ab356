// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 外部サービスの資格情報
	ApifyAPIToken        string
	GeminiAPIKey         string
	GeminiModel          string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string

	// 取り込みパイプライン
	FetchTimeout      time.Duration
	ThumbnailMaxSize  int64
	PipelineWorkers   int
	PipelineQueueSize int
	PipelineTimeout   time.Duration

	// メッセージ送信
	SendTimeout time.Duration

	// リマインダー
	ReminderInterval      time.Duration
	ReminderRetentionDays int

	// 会話
	Timezone    string
	RecentLimit int

	// Rate Limit
	RateLimitAPI     int
	RateLimitWebhook int

	// Server
	ServerPort   string
	DashboardURL string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// .envファイルが存在すればまず読み込む（既存の環境変数が優先）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		name string
		dst  *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"APIFY_API_TOKEN", &cfg.ApifyAPIToken},
		{"GEMINI_API_KEY", &cfg.GeminiAPIKey},
		{"TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken},
		{"TWILIO_WHATSAPP_NUMBER", &cfg.TwilioWhatsAppNumber},
		{"DASHBOARD_BASE_URL", &cfg.DashboardURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.name)
		if *r.dst == "" {
			missing = append(missing, r.name)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-flash-latest")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.ThumbnailMaxSize = getEnvInt64("THUMBNAIL_MAX_SIZE", 5242880)
	cfg.PipelineWorkers = getEnvInt("PIPELINE_WORKERS", 4)
	cfg.PipelineQueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 256)
	cfg.PipelineTimeout = getEnvDuration("PIPELINE_TIMEOUT", 2*time.Minute)
	cfg.SendTimeout = getEnvDuration("SEND_TIMEOUT", 10*time.Second)
	cfg.ReminderInterval = getEnvDuration("REMINDER_INTERVAL", time.Minute)
	cfg.ReminderRetentionDays = getEnvInt("REMINDER_RETENTION_DAYS", 90)
	cfg.Timezone = getEnvString("TIMEZONE", "Asia/Kolkata")
	cfg.RecentLimit = getEnvInt("RECENT_LIMIT", 3)
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 120)
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// Location はTimezone設定からtime.Locationを解決する。
// 解決できないタイムゾーン名はエラーを返す。
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーンの解決に失敗しました: %w", err)
	}
	return loc, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
