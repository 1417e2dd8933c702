// Package embedding generates text embeddings for captured items.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	// Dimension is the vector size stored in the record store. It must
	// match the vector(384) columns in the item tables.
	Dimension = 384

	// MaxInputChars is the deterministic truncation bound applied before
	// any provider call, keeping requests under the provider's token
	// limit. Same input always yields the same truncated output.
	MaxInputChars = 8000
)

// Truncate cuts text to at most MaxInputChars bytes without splitting a
// UTF-8 rune. Stable: byte-identical output for identical input, always.
func Truncate(text string) string {
	if len(text) <= MaxInputChars {
		return text
	}
	cut := MaxInputChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Embedder generates fixed-length embedding vectors for text.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the embedding model name.
	Model() string
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI ProviderType = "openai"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	Provider ProviderType
	Model    string

	// OpenAI-specific
	OpenAIAPIKey string

	// Ollama-specific
	OllamaHost string
}

// client wraps a langchaingo embedder with truncation and dimension
// validation.
type client struct {
	model     embeddings.Embedder
	modelName string
	logger    *slog.Logger
}

// New creates an Embedder based on the provided configuration.
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var model embeddings.Embedder
	switch cfg.Provider {
	case ProviderOpenAI, "":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires API key")
		}
		llm, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	case ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	return &client{model: model, modelName: cfg.Model, logger: logger}, nil
}

// Embed generates an embedding vector for text, truncating first.
func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(text)

	start := time.Now()
	vectors, err := c.model.EmbedDocuments(ctx, []string{text})
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("embedding failed", "model", c.modelName, "text_len", len(text),
			"duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	embedding := vectors[0]
	if len(embedding) != Dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d (model: %s)",
			len(embedding), Dimension, c.modelName)
	}
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = Truncate(t)
	}

	vectors, err := c.model.EmbedDocuments(ctx, truncated)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != Dimension {
			return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), Dimension)
		}
	}
	return vectors, nil
}

// Model returns the configured embedding model name.
func (c *client) Model() string {
	return c.modelName
}
