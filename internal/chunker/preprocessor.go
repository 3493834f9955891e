package chunker

import (
	"strings"
	"unicode"
)

// Preprocess trims text and collapses runs of whitespace to one space.
// A paragraph break inside a section is kept as a single newline.
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	b.Grow(len(text))
	pending := rune(0)
	for _, r := range text {
		if unicode.IsSpace(r) {
			if r == '\n' || pending == 0 {
				pending = r
			}
			continue
		}
		if pending != 0 {
			if pending == '\n' {
				b.WriteRune('\n')
			} else {
				b.WriteRune(' ')
			}
			pending = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}
