package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

// OllamaGenerator generates answers with a local Ollama model through langchaingo.
type OllamaGenerator struct {
	llm   llms.Model
	model string
}

// NewOllamaGenerator connects to serverURL (empty means the langchaingo default).
func NewOllamaGenerator(serverURL, model string) (*OllamaGenerator, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	return &OllamaGenerator{llm: llm, model: model}, nil
}

// ModelName returns the Ollama model.
func (g *OllamaGenerator) ModelName() string {
	return g.model
}

// Generate sends the prompt as a system and a human message.
func (g *OllamaGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	var content []llms.MessageContent
	if p.System != "" {
		content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, p.System))
	}
	content = append(content, llms.TextParts(schema.ChatMessageTypeHuman, p.User))

	var opts []llms.CallOption
	if p.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.MaxTokens))
	}
	if p.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(p.Temperature))
	}
	resp, err := g.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat error: no response from LLM")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
