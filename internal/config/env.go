// Package config handles environment-based configuration loading, the YAML
// feed catalog, and hot-updatable fusion settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	HistoryDir string

	// Network
	ListenAddress string
	Port          int

	// Stores
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ingest
	FeedsFile            string
	IngestQueueSize      int
	MaxBatchBytes        int
	ReconnectMaxAttempts int
	ReconnectMaxBackoff  time.Duration

	// Fusion
	MaxParallelFusion int

	// Hot view
	HotViewTTL  time.Duration
	RetentionMs int64

	// History batching
	BatchSize    int
	BatchTimeout time.Duration

	// DLQ
	DLQMaxRetries    int
	DLQRetryInterval time.Duration
	DLQBatchSize     int

	// Broadcast gateway
	BroadcastInterval   time.Duration
	StaleCutoffMs       int64
	MinClientMoveMeters float64
	ClientKeepalive     time.Duration
	ClientIdleTimeout   time.Duration

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.HistoryDir = envStr("PELORUS_HISTORY_DIR", "/var/lib/pelorus")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("PELORUS_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("PELORUS_PORT", 2290, &errs)

	// --- Stores ---
	cfg.RedisAddr = envStr("PELORUS_REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = envStr("PELORUS_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("PELORUS_REDIS_DB", 0, &errs)

	// --- Ingest ---
	cfg.FeedsFile = envStr("PELORUS_FEEDS_FILE", "")
	cfg.IngestQueueSize = envInt("PELORUS_INGEST_QUEUE_SIZE", 10000, &errs)
	cfg.MaxBatchBytes = envInt("PELORUS_MAX_BATCH_BYTES", 1<<20, &errs)
	cfg.ReconnectMaxAttempts = envInt("PELORUS_RECONNECT_MAX_ATTEMPTS", 20, &errs)
	cfg.ReconnectMaxBackoff = envDuration("PELORUS_RECONNECT_MAX_BACKOFF", 60*time.Second, &errs)

	// --- Fusion ---
	cfg.MaxParallelFusion = envInt("PELORUS_MAX_PARALLEL_FUSION", 10, &errs)

	// --- Hot view ---
	cfg.HotViewTTL = time.Duration(envInt("PELORUS_HOT_VIEW_TTL_S", 1800, &errs)) * time.Second
	cfg.RetentionMs = envInt64("PELORUS_RETENTION_MS", 32_400_000, &errs)

	// --- History batching ---
	cfg.BatchSize = envInt("PELORUS_BATCH_SIZE", 50, &errs)
	cfg.BatchTimeout = time.Duration(envInt("PELORUS_BATCH_TIMEOUT_MS", 2000, &errs)) * time.Millisecond

	// --- DLQ ---
	cfg.DLQMaxRetries = envInt("PELORUS_DLQ_MAX_RETRIES", 5, &errs)
	cfg.DLQRetryInterval = envDuration("PELORUS_DLQ_RETRY_INTERVAL", 5*time.Minute, &errs)
	cfg.DLQBatchSize = envInt("PELORUS_DLQ_BATCH_SIZE", 100, &errs)

	// --- Broadcast gateway ---
	cfg.BroadcastInterval = time.Duration(envInt("PELORUS_BROADCAST_INTERVAL_MS", 5000, &errs)) * time.Millisecond
	cfg.StaleCutoffMs = envInt64("PELORUS_STALE_CUTOFF_MS", 86_400_000, &errs)
	cfg.MinClientMoveMeters = envFloat("PELORUS_MIN_CLIENT_MOVE_METERS", 10, &errs)
	cfg.ClientKeepalive = time.Duration(envInt("PELORUS_CLIENT_KEEPALIVE_MS", 30000, &errs)) * time.Millisecond
	cfg.ClientIdleTimeout = envDuration("PELORUS_CLIENT_IDLE_TIMEOUT", 10*time.Minute, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("PELORUS_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "PELORUS_ADMIN_TOKEN must be defined (can be empty)")
	} else if IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "PELORUS_ADMIN_TOKEN is too weak (zxcvbn score < 3)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "PELORUS_LISTEN_ADDRESS must not be empty")
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, "PELORUS_REDIS_ADDR must not be empty")
	}

	validatePort("PELORUS_PORT", cfg.Port, &errs)
	validatePositive("PELORUS_INGEST_QUEUE_SIZE", cfg.IngestQueueSize, &errs)
	validatePositive("PELORUS_MAX_BATCH_BYTES", cfg.MaxBatchBytes, &errs)
	validatePositive("PELORUS_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts, &errs)
	validatePositive("PELORUS_MAX_PARALLEL_FUSION", cfg.MaxParallelFusion, &errs)
	validatePositive("PELORUS_BATCH_SIZE", cfg.BatchSize, &errs)
	validatePositive("PELORUS_DLQ_MAX_RETRIES", cfg.DLQMaxRetries, &errs)
	validatePositive("PELORUS_DLQ_BATCH_SIZE", cfg.DLQBatchSize, &errs)
	if cfg.ReconnectMaxBackoff <= 0 {
		errs = append(errs, "PELORUS_RECONNECT_MAX_BACKOFF must be positive")
	}
	if cfg.HotViewTTL <= 0 {
		errs = append(errs, "PELORUS_HOT_VIEW_TTL_S must be positive")
	}
	if cfg.RetentionMs <= 0 {
		errs = append(errs, "PELORUS_RETENTION_MS must be positive")
	}
	if cfg.BatchTimeout <= 0 {
		errs = append(errs, "PELORUS_BATCH_TIMEOUT_MS must be positive")
	}
	if cfg.DLQRetryInterval <= 0 {
		errs = append(errs, "PELORUS_DLQ_RETRY_INTERVAL must be positive")
	}
	if cfg.BroadcastInterval <= 0 {
		errs = append(errs, "PELORUS_BROADCAST_INTERVAL_MS must be positive")
	}
	if cfg.StaleCutoffMs <= 0 {
		errs = append(errs, "PELORUS_STALE_CUTOFF_MS must be positive")
	}
	if cfg.MinClientMoveMeters < 0 {
		errs = append(errs, "PELORUS_MIN_CLIENT_MOVE_METERS must not be negative")
	}
	if cfg.ClientKeepalive <= 0 {
		errs = append(errs, "PELORUS_CLIENT_KEEPALIVE_MS must be positive")
	}
	if cfg.ClientIdleTimeout <= 0 {
		errs = append(errs, "PELORUS_CLIENT_IDLE_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
