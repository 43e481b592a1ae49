package provider

import (
	"context"

	"github.com/mohammad-safakhou/seeker/config"
	openai_provider "github.com/mohammad-safakhou/seeker/provider/openai"
)

// Provider is the interface the oracles and the embedding path consume.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.CompletionModel, cfg.EmbeddingModel, cfg.Temperature, cfg.MaxTokens, cfg.Timeout), nil
}
