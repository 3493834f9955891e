package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractExcel emits each sheet as a page and each non-empty row as a
// tab-separated paragraph.
func extractExcel(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	info := &Info{}
	if props, err := f.GetDocProps(); err == nil && props != nil {
		info.Title = strings.TrimSpace(props.Title)
		info.Author = strings.TrimSpace(props.Creator)
	}
	sheets := f.GetSheetList()
	info.PageCount = len(sheets)
	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		para := 0
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			para++
			if err := forward(emit, Section{Page: i + 1, Paragraph: para, Text: line}); err != nil {
				return nil, err
			}
		}
	}
	return info, nil
}
