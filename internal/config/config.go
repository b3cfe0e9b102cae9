package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "swaprouter.db"
	defaultMaxWorkers   = 4
	defaultMaxRetries   = 3
	defaultCacheTTL     = time.Hour
	defaultOrderTimeout = 30 * time.Second

	envListenAddr   = "SWAPROUTER_LISTEN_ADDR"
	envDBPath       = "SWAPROUTER_DB_PATH"
	envLogLevel     = "SWAPROUTER_LOG_LEVEL"
	envMaxWorkers   = "SWAPROUTER_MAX_WORKERS"
	envMaxRetries   = "SWAPROUTER_MAX_RETRIES"
	envCacheTTL     = "SWAPROUTER_CACHE_TTL"
	envOrderTimeout = "SWAPROUTER_ORDER_TIMEOUT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	MaxWorkers   int
	MaxRetries   int
	CacheTTL     time.Duration
	OrderTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		MaxWorkers:   defaultMaxWorkers,
		MaxRetries:   defaultMaxRetries,
		CacheTTL:     defaultCacheTTL,
		OrderTimeout: defaultOrderTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxWorkers); v != "" {
		cfg.MaxWorkers = parsePositiveInt(v, defaultMaxWorkers)
	}
	if v := os.Getenv(envMaxRetries); v != "" {
		cfg.MaxRetries = parsePositiveInt(v, defaultMaxRetries)
	}
	if v := os.Getenv(envCacheTTL); v != "" {
		cfg.CacheTTL = parsePositiveDuration(v, defaultCacheTTL)
	}
	if v := os.Getenv(envOrderTimeout); v != "" {
		cfg.OrderTimeout = parsePositiveDuration(v, defaultOrderTimeout)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parsePositiveInt(s string, defaultVal int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func parsePositiveDuration(s string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
