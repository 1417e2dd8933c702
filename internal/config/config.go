// Package config loads capture configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Defaults for drain pacing and batching. MaxIterations must stay finite so
// a misbehaving dispatcher can never pin a scheduled invocation forever.
const (
	DefaultBatchSize     = 100
	DefaultMaxIterations = 100
	DefaultPacingSeconds = 5
	DefaultStuckMinutes  = 10
)

// Config holds all configuration values.
type Config struct {
	// Record store (Postgres with pgvector)
	DatabaseURL string

	// Source API
	GitHubToken   string
	GitHubBaseURL string

	// Embedding provider
	OpenAIAPIKey   string
	EmbeddingModel string

	// Event dispatcher (Temporal)
	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string

	// Drain defaults
	BatchSize     int
	MaxIterations int
	PacingSeconds int
	StuckMinutes  int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		GitHubBaseURL: getEnv("GITHUB_API_URL", "https://api.github.com"),

		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel: getEnv("CAPTURE_EMBEDDING_MODEL", "text-embedding-3-small"),

		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "127.0.0.1:7233"),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         getEnv("CAPTURE_TASK_QUEUE", "capture-go"),

		BatchSize:     getEnvInt("CAPTURE_BATCH_SIZE", DefaultBatchSize),
		MaxIterations: getEnvInt("CAPTURE_MAX_ITERATIONS", DefaultMaxIterations),
		PacingSeconds: getEnvInt("CAPTURE_PACING_SECONDS", DefaultPacingSeconds),
		StuckMinutes:  getEnvInt("CAPTURE_STUCK_MINUTES", DefaultStuckMinutes),

		LogFile:  getEnv("CAPTURE_LOG_FILE", "/tmp/capture.log"),
		LogLevel: parseLogLevel(getEnv("CAPTURE_LOG_LEVEL", "INFO")),
	}
}

// ConfigurationError reports a missing or unusable credential. It is the
// only error class that aborts a run before any work is attempted.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every credential the drain loop depends on is set.
// Placeholder tokens (left over from an env template) count as missing.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.GitHubToken == "" || strings.HasPrefix(c.GitHubToken, "your_") {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
