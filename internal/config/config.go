package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Scheduler
	ScheduleInterval time.Duration
	ScheduleMaxFeeds int

	// DispatchQueue
	VisibilityTimeout time.Duration
	MaxAttempts       int
	DequeueBatch      int
	DequeueIdleWait   time.Duration

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int

	// ChangeNotifier
	NotifierBatch      int
	NotifierPoll       time.Duration
	NotifierMaxRetries int

	// Retention
	LogRetention time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitFeedReg int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ScheduleInterval = getEnvDuration("SCHEDULE_INTERVAL", 5*time.Minute)
	cfg.ScheduleMaxFeeds = getEnvInt("SCHEDULE_MAX_FEEDS", 500)
	cfg.VisibilityTimeout = getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 5)
	cfg.DequeueBatch = getEnvInt("DEQUEUE_BATCH", 10)
	cfg.DequeueIdleWait = getEnvDuration("DEQUEUE_IDLE_WAIT", 5*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.NotifierBatch = getEnvInt("NOTIFIER_BATCH", 100)
	cfg.NotifierPoll = getEnvDuration("NOTIFIER_POLL", 2*time.Second)
	cfg.NotifierMaxRetries = getEnvInt("NOTIFIER_MAX_RETRIES", 3)
	cfg.LogRetention = getEnvDuration("LOG_RETENTION", 168*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitFeedReg = getEnvInt("RATE_LIMIT_FEED_REG", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

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
