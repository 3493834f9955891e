package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/models"
)

const contextSeparator = "\n\n"

// contextWindow is the text given to the generator and the sources it contains, numbered from 1.
type contextWindow struct {
	text    string
	sources []source
}

// sourceTag labels a chunk so the generator can attribute claims.
func sourceTag(n int, s source) string {
	name := s.doc.DisplayName()
	if name == "" {
		name = s.hit.Payload.DocumentName
	}
	if s.hit.Payload.Page > 0 {
		return fmt.Sprintf("[Source %d: %s, page %d]", n, name, s.hit.Payload.Page)
	}
	return fmt.Sprintf("[Source %d: %s]", n, name)
}

// buildContext packs sources in order until budget runes are used. The first
// source is always included, truncated if it alone exceeds the budget.
func buildContext(sources []source, budget int) contextWindow {
	var (
		b    strings.Builder
		used int
		out  []source
	)
	for i, s := range sources {
		block := sourceTag(i+1, s) + "\n" + s.hit.Payload.Text
		size := utf8.RuneCountInString(block)
		if i > 0 {
			size += len(contextSeparator)
		}
		if budget > 0 && used+size > budget {
			if i > 0 {
				break
			}
			block = string([]rune(block)[:budget])
			size = budget
		}
		if i > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(block)
		used += size
		out = append(out, s)
	}
	return contextWindow{text: b.String(), sources: out}
}

func compactPrompt(system, question, context string) generation.Prompt {
	return generation.Prompt{
		Task:   generation.TaskAnswer,
		System: system,
		User: "Context:\n" + context + "\n\nQuestion: " + question +
			"\n\nAnswer using only the context above. Refer to sources as [Source N].",
	}
}

func enhancedPrompt(system, question, context string) generation.Prompt {
	return generation.Prompt{
		Task: generation.TaskSegments,
		System: system + " Respond with a JSON object of the form " +
			`{"segments":[{"text":"...","sources":[1]}]}` +
			" where each segment is one part of the answer and sources lists the numbers of the sources it draws on.",
		User: "Context:\n" + context + "\n\nQuestion: " + question,
		JSON: true,
	}
}

func themesPrompt(system, focus, context string) generation.Prompt {
	return generation.Prompt{
		Task: generation.TaskThemes,
		System: system + " Identify the recurring themes across the sources. Respond with a JSON object of the form " +
			`{"themes":[{"theme_name":"...","summary":"...","sources":[1,2]}]}` +
			" where sources lists the numbers of the sources that discuss the theme.",
		User: "Context:\n" + context + "\n\nFocus: " + focus,
		JSON: true,
	}
}

// extractJSON returns the outermost JSON object in raw, ignoring code fences and prose.
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in response")
	}
	return raw[start : end+1], nil
}

// parseSegments decodes an enhanced answer. Source numbers outside 1..n are dropped.
func parseSegments(raw string, n int) ([]models.AnswerSegment, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Segments []models.AnswerSegment `json:"segments"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	out := make([]models.AnswerSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.Sources = validSources(s.Sources, n)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("response has no answer segments")
	}
	return out, nil
}

func validSources(in []int, n int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, v := range in {
		if v >= 1 && v <= n && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// plainAnswer recovers readable text from a response that failed to parse as segments.
func plainAnswer(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}
