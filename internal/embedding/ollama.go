package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaProvider embeds through a local Ollama server.
type OllamaProvider struct {
	llm        *ollama.LLM
	model      string
	dimensions int
}

// NewOllamaProvider connects to serverURL (empty means the Ollama default).
func NewOllamaProvider(serverURL, model string, dimensions int) (*OllamaProvider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return &OllamaProvider{llm: llm, model: model, dimensions: dimensions}, nil
}

// EmbedBatch embeds texts in one CreateEmbedding call.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	return vecs, nil
}

func (p *OllamaProvider) Dimensions() int   { return p.dimensions }
func (p *OllamaProvider) ModelName() string { return p.model }
func (p *OllamaProvider) Close() error      { return nil }
