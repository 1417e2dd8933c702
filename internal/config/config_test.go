package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() Config {
	return Config{
		DatabaseURL:  "postgres://localhost/capture",
		GitHubToken:  "ghp_test",
		OpenAIAPIKey: "sk-test",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTestConfig().Validate())
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := validTestConfig()
	cfg.DatabaseURL = ""
	cfg.OpenAIAPIKey = ""

	err := cfg.Validate()
	require.Error(t, err)

	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, []string{"DATABASE_URL", "OPENAI_API_KEY"}, confErr.Missing)
}

func TestValidateRejectsPlaceholderToken(t *testing.T) {
	cfg := validTestConfig()
	cfg.GitHubToken = "your_github_token_here"

	var confErr *ConfigurationError
	require.ErrorAs(t, cfg.Validate(), &confErr)
	assert.Contains(t, confErr.Missing, "GITHUB_TOKEN")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, "capture-go", cfg.TaskQueue)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("drain iteration", "iteration", 3)

	assert.Contains(t, stderr.String(), "drain iteration")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "drain iteration", entry["msg"])
	assert.EqualValues(t, 3, entry["iteration"])
}
