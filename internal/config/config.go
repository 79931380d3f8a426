// Package config handles application configuration from environment variables
// and the optional schedules file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	SchedulesPath    string

	BatchSize             int
	UnitTimeout           time.Duration
	RunTimeout            time.Duration
	DefaultRefreshMinutes int
	DefaultFeedLimit      int

	MaxRetryAttempts int
	RetryCutoff      time.Duration
	FailGracePeriod  time.Duration

	OldArticleThreshold time.Duration
	SeedNewFeeds        bool

	ArticleDayLimit       int
	SendRatePerSec        int
	DeliveryRetentionDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     dbPath,
		LogLevel:         logLevel,
		SchedulesPath:    os.Getenv("SCHEDULES_PATH"),
	}

	var err error
	ints := []struct {
		key string
		dst *int
		def int
		low int
	}{
		{"BATCH_SIZE", &cfg.BatchSize, 50, 1},
		{"DEFAULT_REFRESH_MINUTES", &cfg.DefaultRefreshMinutes, 10, 1},
		{"DEFAULT_FEED_LIMIT", &cfg.DefaultFeedLimit, 100, 0},
		{"MAX_RETRY_ATTEMPTS", &cfg.MaxRetryAttempts, 5, 1},
		{"ARTICLE_DAY_LIMIT", &cfg.ArticleDayLimit, 0, 0},
		{"SEND_RATE_PER_SEC", &cfg.SendRatePerSec, 20, 1},
		{"DELIVERY_RETENTION_DAYS", &cfg.DeliveryRetentionDays, 14, 1},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, v.def, v.low); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"UNIT_TIMEOUT", &cfg.UnitTimeout, 2 * time.Minute},
		{"RUN_TIMEOUT", &cfg.RunTimeout, 10 * time.Minute},
		{"FAIL_GRACE_PERIOD", &cfg.FailGracePeriod, time.Hour},
		{"OLD_ARTICLE_THRESHOLD", &cfg.OldArticleThreshold, 72 * time.Hour},
	}
	for _, v := range durations {
		if *v.dst, err = envDuration(v.key, v.def); err != nil {
			return nil, err
		}
	}

	cutoffDays, err := envInt("RETRY_CUTOFF_DAYS", 3, 1)
	if err != nil {
		return nil, err
	}
	cfg.RetryCutoff = time.Duration(cutoffDays) * 24 * time.Hour

	if cfg.SeedNewFeeds, err = envBool("SEED_NEW_FEEDS", true); err != nil {
		return nil, err
	}

	if cfg.UnitTimeout <= 0 || cfg.RunTimeout <= 0 {
		return nil, fmt.Errorf("UNIT_TIMEOUT and RUN_TIMEOUT must be positive")
	}
	return cfg, nil
}

func envInt(key string, def, lowest int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < lowest {
		return 0, fmt.Errorf("invalid %s %d: must be at least %d", key, n, lowest)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	if raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}
