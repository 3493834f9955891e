package extract

import (
	"context"
	"fmt"

	"github.com/lu4p/cat"
)

// extractLegacy handles ODT and RTF through cat, which yields plain text
// without page information. Paragraphs still come from blank lines.
func extractLegacy(ctx context.Context, content []byte, emit EmitFunc) (info *Info, err error) {
	defer recoverParse("document", &err)

	text, err := cat.FromBytes(content)
	if err != nil {
		return nil, fmt.Errorf("convert document: %w", err)
	}
	if err := emitPage(ctx, 1, text, emit); err != nil {
		return nil, err
	}
	return &Info{PageCount: 1}, nil
}
