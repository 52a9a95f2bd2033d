// Package openai implements rag.Embedder and rag.Generator against
// OpenAI-compatible APIs using langchaingo.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
)

// Config holds connection settings for one OpenAI-compatible endpoint.
type Config struct {
	// Host is the API base URL, e.g. "http://localhost:11434/v1".
	Host  string
	Model string
	// APIKey may be empty for local servers that do not authenticate.
	APIKey      string
	Temperature float64
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("openai host is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("openai model is required")
	}
	return nil
}

func (c Config) token() string {
	if c.APIKey == "" {
		return "none"
	}
	return c.APIKey
}

// Embedder implements rag.Embedder.
type Embedder struct {
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewEmbedder creates an embedder for cfg.Model.
func NewEmbedder(cfg Config, logger *zap.Logger) (*Embedder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(cfg.token()),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &Embedder{
		embedder: embedder,
		logger:   logging.OrNop(logger).Named("openai-embedder"),
	}, nil
}

// Embed generates a vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.logger.Debug("generating embedding", zap.Int("length", len(text)))
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("embed text: model returned no vector")
	}
	return vectors[0], nil
}

// Generator implements rag.Generator with a chat model.
type Generator struct {
	client      llms.Model
	temperature float64
	logger      *zap.Logger
}

// NewGenerator creates a generator for cfg.Model.
func NewGenerator(cfg Config, logger *zap.Logger) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(cfg.token()),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat client: %w", err)
	}
	return &Generator{
		client:      client,
		temperature: cfg.Temperature,
		logger:      logging.OrNop(logger).Named("openai-generator"),
	}, nil
}

// Generate sends prompt as a single user message and returns the first choice.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := g.client.GenerateContent(ctx, content, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate content: model returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	g.logger.Debug("generated text", zap.Int("prompt_length", len(prompt)), zap.Int("length", len(text)))
	return text, nil
}

var (
	_ rag.Embedder  = (*Embedder)(nil)
	_ rag.Generator = (*Generator)(nil)
)
