// Package generation provides the answer-generation capability used by the query engine.
package generation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Task tells a generator what shape of output the prompt asks for.
type Task string

const (
	TaskAnswer   Task = "answer"
	TaskSegments Task = "segments"
	TaskThemes   Task = "themes"
)

// Prompt is a single generation request.
type Prompt struct {
	Task        Task
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a JSON object response when it supports it.
	JSON bool
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	ModelName() string
}

// Limited throttles a Generator and bounds every call with a timeout.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited wraps g. rps <= 0 disables throttling; timeout <= 0 disables the per-call deadline.
func NewLimited(g Generator, rps float64, timeout time.Duration) *Limited {
	l := &Limited{next: g, timeout: timeout}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// Generate waits for the limiter, then calls the wrapped generator.
func (l *Limited) Generate(ctx context.Context, p Prompt) (string, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.next.Generate(ctx, p)
}

// ModelName returns the wrapped generator's model.
func (l *Limited) ModelName() string {
	return l.next.ModelName()
}
