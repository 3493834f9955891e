package embedding

import (
	"fmt"
	"net/http"

	"github.com/hyperjump/kotae/internal/config"
	"go.uber.org/zap"
)

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "mock", "":
		return NewMockEmbedder(cfg.Dimensions), nil
	case "openai", "gemini":
		base := cfg.BaseURL
		if base == "" && cfg.Provider == "gemini" {
			base = GeminiBaseURL
		}
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:    base,
			APIKey:     cfg.APIKey(),
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			HTTPClient: &http.Client{},
		})
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "onnx":
		return NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: mock, openai, gemini, ollama, onnx)", cfg.Provider)
	}
}

// NewClientFromConfig creates the provider and wraps it in a Client tuned by cfg.
func NewClientFromConfig(cfg config.EmbeddingConfig, logger *zap.Logger) (*Client, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(p,
		WithBatchSize(cfg.BatchSize),
		WithTimeout(cfg.Timeout),
		WithRetry(cfg.MaxAttempts, cfg.InitialBackoff, cfg.MaxBackoff),
		WithRateLimit(cfg.RequestsPerSecond),
		WithCache(cfg.CacheSize),
		WithLogger(logger),
	), nil
}
