package extract

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const pptxSlidePathPrefix = "ppt/slides/slide"

var (
	aParagraph = regexp.MustCompile(`(?s)<a:p>.*?</a:p>|<a:p [^>]*>.*?</a:p>`)
	atTag      = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
)

type slidePart struct {
	num  int
	name string
}

// extractPPTX emits each slide as a page and each text paragraph as a section.
// Zip entry order is arbitrary so slides are ordered by their number.
func extractPPTX(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, err
	}
	var slides []slidePart
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, pptxSlidePathPrefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, pptxSlidePathPrefix), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slidePart{num: n, name: f.Name})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	info := &Info{PageCount: len(slides)}
	coreProperties(zr, info)
	for i, s := range slides {
		data, err := readZipFile(zr, s.name)
		if err != nil {
			return nil, err
		}
		para := 0
		for _, p := range aParagraph.FindAllString(string(data), -1) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			text := joinRuns(atTag, p)
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
