package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQLite   = "sqlite"
	BackendScylla   = "scylla"
	BackendPostgres = "postgres"
)

// Config holds all configuration for chatd.
type Config struct {
	Env      string
	HTTPAddr string
	NodeID   int64

	RedisAddr string
	RedisURL  string // takes precedence over RedisAddr when set

	LogBackend     string // sqlite | scylla
	ScyllaHosts    []string
	ScyllaKeyspace string
	SQLitePath     string

	DirectoryBackend string // sqlite | postgres
	DatabaseURL      string

	KafkaBrokers []string // empty keeps broadcasts in process
	KafkaTopic   string

	JWTSecret string

	FlushInterval       time.Duration
	HistoryBatchSize    int
	CacheFlushThreshold int64 // 0 disables the size trigger
	CacheRetain         int64

	FCMCredentialsFile string // empty disables push delivery
}

// Load reads configuration from environment variables, loading a .env file
// first when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                getEnv("ENV", "development"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisURL:           os.Getenv("REDIS_URL"),
		LogBackend:         getEnv("LOG_BACKEND", BackendSQLite),
		ScyllaHosts:        splitList(getEnv("SCYLLA_HOSTS", "localhost:9042")),
		ScyllaKeyspace:     getEnv("SCYLLA_KEYSPACE", "chat"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/chat.db"),
		DirectoryBackend:   getEnv("DIRECTORY_BACKEND", BackendSQLite),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "chat-events"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		FCMCredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
	}

	var err error
	if cfg.NodeID, err = getInt("NODE_ID", 1); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = getDuration("FLUSH_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	batch, err := getInt("HISTORY_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	cfg.HistoryBatchSize = int(batch)
	if cfg.CacheFlushThreshold, err = getInt("CACHE_FLUSH_THRESHOLD", 0); err != nil {
		return nil, err
	}
	if cfg.CacheRetain, err = getInt("CACHE_RETAIN", 200); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.LogBackend {
	case BackendSQLite, BackendScylla:
	default:
		return fmt.Errorf("LOG_BACKEND must be %q or %q, got %q", BackendSQLite, BackendScylla, c.LogBackend)
	}
	switch c.DirectoryBackend {
	case BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s directory", BackendPostgres)
		}
	default:
		return fmt.Errorf("DIRECTORY_BACKEND must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.DirectoryBackend)
	}
	if c.LogBackend == BackendScylla && len(c.ScyllaHosts) == 0 {
		return fmt.Errorf("SCYLLA_HOSTS is required for the %s log", BackendScylla)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	if c.HistoryBatchSize <= 0 {
		return fmt.Errorf("HISTORY_BATCH_SIZE must be positive")
	}
	if c.CacheFlushThreshold < 0 || c.CacheRetain < 0 {
		return fmt.Errorf("cache thresholds must not be negative")
	}
	if c.CacheFlushThreshold > 0 && c.CacheRetain >= c.CacheFlushThreshold {
		return fmt.Errorf("CACHE_RETAIN must be below CACHE_FLUSH_THRESHOLD")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if !c.IsDevelopment() && c.JWTSecret == "dev-secret" {
		return fmt.Errorf("JWT_SECRET must be set outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
