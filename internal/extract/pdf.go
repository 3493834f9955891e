package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF emits the text layer of every page. Scanned PDFs without a text
// layer produce no sections and are reported as empty documents.
func extractPDF(ctx context.Context, content []byte, emit EmitFunc) (info *Info, err error) {
	defer recoverParse("PDF", &err)

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	numPages := r.NumPage()
	info = &Info{PageCount: numPages}
	if meta := r.Trailer().Key("Info"); !meta.IsNull() {
		info.Title = strings.TrimSpace(meta.Key("Title").Text())
		info.Author = strings.TrimSpace(meta.Key("Author").Text())
	}

	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		if err := emitPage(ctx, i, text, emit); err != nil {
			return nil, err
		}
	}
	return info, nil
}
