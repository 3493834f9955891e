package extract

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

var blankLine = regexp.MustCompile(`\n[ \t\r]*\n`)

// splitParagraphs splits text on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := blankLine.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// emitPage emits each paragraph of text as a section of page.
func emitPage(ctx context.Context, page int, text string, emit EmitFunc) error {
	for i, p := range splitParagraphs(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := forward(emit, Section{Page: page, Paragraph: i + 1, Text: p}); err != nil {
			return err
		}
	}
	return nil
}

// extractPlain handles text and markdown. A form feed starts a new page.
func extractPlain(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	text = strings.TrimPrefix(text, "\uFEFF")
	pages := strings.Split(text, "\f")
	for i, page := range pages {
		if err := emitPage(ctx, i+1, page, emit); err != nil {
			return nil, err
		}
	}
	info := &Info{PageCount: len(pages)}
	if strings.HasPrefix(strings.TrimSpace(text), "# ") {
		line := strings.TrimSpace(text)
		if nl := strings.IndexByte(line, '\n'); nl > 0 {
			line = line[:nl]
		}
		info.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
	}
	return info, nil
}
