package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/models"
)

const defaultThemesFocus = "What are the main topics and recurring themes across these documents?"

// Themes groups retrieved chunks into recurring themes with the documents that discuss them.
func (e *Engine) Themes(ctx context.Context, req *models.ThemeRequest) (*models.ThemeResult, error) {
	start := time.Now()
	focus := strings.TrimSpace(req.Question)
	if focus == "" {
		focus = defaultThemesFocus
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.config.ThemesTopK
	}
	if e.config.MaxTopK > 0 && topK > e.config.MaxTopK {
		topK = e.config.MaxTopK
	}
	var selection []string
	restricted := req.DocumentIDs != nil
	if restricted {
		selection = *req.DocumentIDs
	}

	sources, err := e.retrieve(ctx, focus, topK, selection, restricted)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &models.ThemeResult{
			Themes:    []models.Theme{},
			NoResults: true,
			Message:   noResultsMessage(restricted, len(selection)),
			TookMS:    time.Since(start).Milliseconds(),
		}, nil
	}

	window := buildContext(sources, e.config.ContextChars)
	raw, err := e.generate(ctx, themesPrompt(e.system, focus, window.text))
	if err != nil {
		return nil, &models.QueryError{Stage: "generation", Retryable: true, Err: err}
	}
	themes, err := e.parseThemes(raw, window.sources)
	if err != nil {
		return nil, &models.QueryError{Stage: "themes", Retryable: true, Err: err}
	}
	e.logger.Info("Themes extracted", zap.Int("themes", len(themes)), zap.Int("sources", len(window.sources)))
	return &models.ThemeResult{Themes: themes, TookMS: time.Since(start).Milliseconds()}, nil
}

func (e *Engine) parseThemes(raw string, sources []source) ([]models.Theme, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Themes []struct {
			Name    string `json:"theme_name"`
			Summary string `json:"summary"`
			Sources []int  `json:"sources"`
		} `json:"themes"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, fmt.Errorf("decode themes: %w", err)
	}
	out := make([]models.Theme, 0, len(resp.Themes))
	for _, t := range resp.Themes {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		theme := models.Theme{
			Name:      name,
			Summary:   strings.TrimSpace(t.Summary),
			Documents: []models.ThemeDocument{},
			Citations: []models.Citation{},
		}
		seen := make(map[string]bool)
		for _, n := range validSources(t.Sources, len(sources)) {
			s := sources[n-1]
			theme.Citations = append(theme.Citations, e.citation(s))
			if !seen[s.doc.ID] {
				seen[s.doc.ID] = true
				theme.Documents = append(theme.Documents, models.ThemeDocument{DocumentID: s.doc.ID, DocumentName: s.doc.DisplayName()})
			}
		}
		out = append(out, theme)
	}
	if len(out) == 0 && len(resp.Themes) > 0 {
		return nil, errors.New("no named themes in response")
	}
	return out, nil
}
