package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

var sourceTag = regexp.MustCompile(`\[Source (\d+)[:\]]`)

// MockGenerator is a deterministic generator for development and tests.
// Without scripted responses it answers from the source tags found in the prompt.
type MockGenerator struct {
	mu       sync.Mutex
	failures []error
	scripted map[Task][]string
	prompts  []Prompt
}

// NewMockGenerator returns a mock generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{scripted: make(map[Task][]string)}
}

// ModelName returns "mock-generator".
func (m *MockGenerator) ModelName() string {
	return "mock-generator"
}

// FailNext makes the next len(errs) calls return errs in order.
func (m *MockGenerator) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Script queues raw responses for prompts of the given task.
func (m *MockGenerator) Script(task Task, responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[task] = append(m.scripted[task], responses...)
}

// Prompts returns every prompt received so far.
func (m *MockGenerator) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Prompt, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Generate returns a scripted response, a queued failure or a canned answer.
func (m *MockGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	if queue := m.scripted[p.Task]; len(queue) > 0 {
		m.scripted[p.Task] = queue[1:]
		return queue[0], nil
	}
	return cannedResponse(p)
}

func cannedResponse(p Prompt) (string, error) {
	sources := promptSources(p.User)
	switch p.Task {
	case TaskSegments:
		out, err := json.Marshal(map[string]any{
			"segments": []map[string]any{{
				"text":    fmt.Sprintf("The answer is supported by %d source(s).", len(sources)),
				"sources": sources,
			}},
		})
		return string(out), err
	case TaskThemes:
		out, err := json.Marshal(map[string]any{
			"themes": []map[string]any{{
				"theme_name": "Common subject",
				"summary":    fmt.Sprintf("Shared by %d source(s).", len(sources)),
				"sources":    sources,
			}},
		})
		return string(out), err
	}
	return fmt.Sprintf("The answer is supported by %d source(s).", len(sources)), nil
}

// promptSources returns the distinct source numbers tagged in text, in order of appearance.
func promptSources(text string) []int {
	seen := make(map[int]bool)
	out := []int{}
	for _, m := range sourceTag.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
