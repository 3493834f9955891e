package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const htmlBlocks = "p, h1, h2, h3, h4, h5, h6, li, pre, blockquote, td, th, dt, dd"

var mainContentSelectors = []string{"main", "article", "[role=main]", "#content", ".content", "body"}

// extractHTML emits the block-level text of the main content area as a single page.
func extractHTML(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	info := &Info{PageCount: 1}
	info.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if author, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
		info.Author = strings.TrimSpace(author)
	}
	doc.Find("script, style, noscript, nav, header, footer, template").Remove()

	root := doc.Selection
	for _, sel := range mainContentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			root = found
			break
		}
	}

	para := 0
	var emitErr error
	root.Find(htmlBlocks).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		// Nested blocks (a <p> inside an <li>) are covered by their outermost block.
		if s.ParentsFiltered(htmlBlocks).Length() > 0 {
			return true
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return true
		}
		if emitErr = ctx.Err(); emitErr != nil {
			return false
		}
		para++
		emitErr = forward(emit, Section{Page: 1, Paragraph: para, Text: text})
		return emitErr == nil
	})
	if emitErr != nil {
		return nil, emitErr
	}
	if para == 0 {
		// Markup without block elements: fall back to the raw text.
		if err := emitPage(ctx, 1, root.Text(), emit); err != nil {
			return nil, err
		}
	}
	return info, nil
}
