package provider

import (
	"context"
	"errors"

	"github.com/oversight-labs/riskwatch/config"
	openai_provider "github.com/oversight-labs/riskwatch/provider/openai"
)

// Provider is the interface all LLM endpoint implementations must satisfy.
// Complete returns the raw completion text; callers own JSON extraction.
// Embed returns one fixed-dimension vector per input, order-preserving.
type Provider interface {
	Complete(ctx context.Context, model, system, user string, maxTokens int) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider creates an LLM client from configuration. Any OpenAI-compatible
// endpoint works (OpenAI, Groq, a self-hosted vLLM deployment).
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EmbeddingModel == "" {
		return nil, errors.New("llm.embedding_model not set")
	}
	return openai_provider.NewClient(cfg), nil
}
