package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/config"
)

func TestOpenAIGenerator_Generate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  forty-two \n"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "key", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := g.Generate(context.Background(), Prompt{System: "sys", User: "q", MaxTokens: 10, JSON: true})
	if err != nil {
		t.Fatal(err)
	}
	if out != "forty-two" {
		t.Errorf("got %q", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "q" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Error("JSON prompts must request a json_object response")
	}
}

func TestOpenAIGenerator_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"requests"}}`},
		{"non json", http.StatusBadGateway, `upstream down`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			g, _ := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
			if _, err := g.Generate(context.Background(), Prompt{User: "q"}); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := NewOpenAIGenerator(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("expected missing key error")
	}
}

func TestMockGenerator(t *testing.T) {
	m := NewMockGenerator()
	ctx := context.Background()
	user := "[Source 1: a.txt, page 1]\nalpha\n\n[Source 2: b.txt]\nbeta\n\n[Source 1: a.txt, page 1]"

	out, err := m.Generate(ctx, Prompt{Task: TaskSegments, User: user})
	if err != nil {
		t.Fatal(err)
	}
	var seg struct {
		Segments []struct {
			Text    string `json:"text"`
			Sources []int  `json:"sources"`
		} `json:"segments"`
	}
	if err := json.Unmarshal([]byte(out), &seg); err != nil {
		t.Fatalf("canned segments are not JSON: %v", err)
	}
	if len(seg.Segments) != 1 || len(seg.Segments[0].Sources) != 2 {
		t.Errorf("got %+v", seg)
	}

	boom := errors.New("boom")
	m.FailNext(boom)
	if _, err := m.Generate(ctx, Prompt{User: user}); !errors.Is(err, boom) {
		t.Errorf("expected scripted failure, got %v", err)
	}
	m.Script(TaskAnswer, "scripted")
	if out, _ := m.Generate(ctx, Prompt{Task: TaskAnswer}); out != "scripted" {
		t.Errorf("got %q", out)
	}
	if len(m.Prompts()) != 3 {
		t.Errorf("recorded %d prompts", len(m.Prompts()))
	}
}

type slowGenerator struct{}

func (slowGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (slowGenerator) ModelName() string { return "slow" }

func TestLimited_Timeout(t *testing.T) {
	l := NewLimited(slowGenerator{}, 0, 20*time.Millisecond)
	_, err := l.Generate(context.Background(), Prompt{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if l.ModelName() != "slow" {
		t.Errorf("ModelName = %s", l.ModelName())
	}
}

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(config.GenerationConfig{Provider: "mock"})
	if err != nil {
		t.Fatal(err)
	}
	if g.ModelName() != "mock-generator" {
		t.Errorf("ModelName = %s", g.ModelName())
	}
	if _, err := NewGenerator(config.GenerationConfig{Provider: "anthropic"}); err == nil {
		t.Error("expected unknown provider error")
	}
	t.Setenv("KOTAE_TEST_GROQ_KEY", "")
	if _, err := NewGenerator(config.GenerationConfig{Provider: "groq", Model: "m", APIKeyEnv: "KOTAE_TEST_GROQ_KEY"}); err == nil {
		t.Error("expected missing key error")
	}
}
