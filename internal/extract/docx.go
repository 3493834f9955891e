package extract

import (
	"context"
	"fmt"
	"regexp"
)

const (
	docxDocumentXMLPath = "word/document.xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// wParagraph matches a whole <w:p> element, with or without attributes.
	wParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	wtTag      = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// wPageBreak matches explicit page breaks and the renderer's last-known break hint.
	wPageBreak = regexp.MustCompile(`<w:br [^>]*w:type="page"|<w:lastRenderedPageBreak/>`)
)

// extractDOCX emits one section per non-empty paragraph. Pages follow explicit
// and last-rendered page breaks, so they match what Word showed when the file was saved.
func extractDOCX(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, err
	}
	docPath := partPath(zr, docxMainContentType)
	if docPath == "" {
		docPath = docxDocumentXMLPath
	}
	docXML, err := readZipFile(zr, docPath)
	if err != nil {
		return nil, err
	}
	if docXML == nil {
		return nil, fmt.Errorf("%s not found", docPath)
	}

	info := &Info{}
	coreProperties(zr, info)

	page, para := 1, 0
	for _, p := range wParagraph.FindAllString(string(docXML), -1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if breaks := len(wPageBreak.FindAllStringIndex(p, -1)); breaks > 0 {
			page += breaks
			para = 0
		}
		text := joinRuns(wtTag, p)
		if text == "" {
			continue
		}
		para++
		if err := forward(emit, Section{Page: page, Paragraph: para, Text: text}); err != nil {
			return nil, err
		}
	}
	info.PageCount = page
	return info, nil
}
