package extract

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var isoDate = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// FileMetadata is what can be inferred from a filename alone.
type FileMetadata struct {
	Author string
	Date   string // YYYY-MM-DD
	Title  string
}

// MetadataFromFilename parses names like "smith_quarterly-report_2024-01-15.pdf".
// The first underscore-separated token is taken as the author only when the stem
// has at least three tokens.
func MetadataFromFilename(filename string) FileMetadata {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var md FileMetadata

	if d := isoDate.FindString(stem); d != "" {
		if _, err := time.Parse("2006-01-02", d); err == nil {
			md.Date = d
		}
	}
	if tokens := strings.Split(stem, "_"); len(tokens) >= 3 && tokens[0] != "" {
		md.Author = tokens[0]
	}
	title := strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(stem)
	md.Title = strings.Join(strings.Fields(title), " ")
	return md
}
