package generation

import (
	"fmt"
	"net/http"

	"github.com/hyperjump/kotae/internal/config"
)

// NewGenerator creates the generator named by cfg.Provider, throttled and bounded by cfg.
func NewGenerator(cfg config.GenerationConfig) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case "mock", "":
		g = NewMockGenerator()
	case "openai", "groq", "gemini":
		base := cfg.BaseURL
		if base == "" {
			base = map[string]string{"openai": OpenAIBaseURL, "groq": GroqBaseURL, "gemini": GeminiBaseURL}[cfg.Provider]
		}
		g, err = NewOpenAIGenerator(OpenAIConfig{
			BaseURL:    base,
			APIKey:     cfg.APIKey(),
			Model:      cfg.Model,
			HTTPClient: &http.Client{},
		})
	case "ollama":
		g, err = NewOllamaGenerator(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown generation provider: %s (supported: mock, openai, groq, gemini, ollama)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(g, cfg.RequestsPerSecond, cfg.Timeout), nil
}
