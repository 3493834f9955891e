package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
)

const odfContentPath = "content.xml"

var (
	odfSlide     = regexp.MustCompile(`(?s)<draw:page[ >].*?</draw:page>`)
	odfSheet     = regexp.MustCompile(`(?s)<table:table[ >].*?</table:table>`)
	odfRow       = regexp.MustCompile(`(?s)<table:table-row[ >].*?</table:table-row>`)
	odfCell      = regexp.MustCompile(`(?s)<table:table-cell(?:\s[^>]*?[^/>])?>(.*?)</table:table-cell>`)
	odfParagraph = regexp.MustCompile(`(?s)<text:[ph](?:\s[^>]*?[^/>])?>(.*?)</text:[ph]>`)
	anyTag       = regexp.MustCompile(`<[^>]+>`)
)

func stripTags(xml string) string {
	return strings.TrimSpace(html.UnescapeString(anyTag.ReplaceAllString(xml, "")))
}

func odfDocument(content []byte) (*zip.Reader, string, *Info, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, "", nil, err
	}
	data, err := readZipFile(zr, odfContentPath)
	if err != nil {
		return nil, "", nil, err
	}
	if data == nil {
		return nil, "", nil, fmt.Errorf("%s not found", odfContentPath)
	}
	info := &Info{}
	if meta, err := readZipFile(zr, "meta.xml"); err == nil && meta != nil {
		info.Title = firstMatch(coreTitle, meta)
		info.Author = firstMatch(odfCreator, meta)
	}
	return zr, string(data), info, nil
}

// extractODP emits each draw:page as a page and each text:p / text:h as a paragraph.
func extractODP(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	_, xml, info, err := odfDocument(content)
	if err != nil {
		return nil, err
	}
	slides := odfSlide.FindAllString(xml, -1)
	info.PageCount = len(slides)
	for i, slide := range slides {
		para := 0
		for _, m := range odfParagraph.FindAllStringSubmatch(slide, -1) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			text := stripTags(m[1])
			if text == "" {
				continue
			}
			para++
			if err := forward(emit, Section{Page: i + 1, Paragraph: para, Text: text}); err != nil {
				return nil, err
			}
		}
	}
	return info, nil
}

// extractODS emits each table as a page and each row as a tab-separated paragraph.
func extractODS(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	_, xml, info, err := odfDocument(content)
	if err != nil {
		return nil, err
	}
	sheets := odfSheet.FindAllString(xml, -1)
	info.PageCount = len(sheets)
	for i, sheet := range sheets {
		para := 0
		for _, row := range odfRow.FindAllString(sheet, -1) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var cells []string
			for _, c := range odfCell.FindAllStringSubmatch(row, -1) {
				cells = append(cells, stripTags(c[1]))
			}
			line := strings.TrimSpace(strings.Join(cells, "\t"))
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
