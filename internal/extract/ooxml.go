package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

// contentTypesPath is the path to [Content_Types].xml in OOXML packages.
const contentTypesPath = "[Content_Types].xml"

var (
	coreTitle   = regexp.MustCompile(`(?s)<dc:title[^>]*>(.*?)</dc:title>`)
	coreCreator = regexp.MustCompile(`(?s)<dc:creator[^>]*>(.*?)</dc:creator>`)
	// ODF meta.xml uses dc:title too, plus meta:initial-creator.
	odfCreator = regexp.MustCompile(`(?s)<meta:initial-creator[^>]*>(.*?)</meta:initial-creator>`)
)

func openZip(content []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("not a zip archive: %w", err)
	}
	return zr, nil
}

// readZipFile returns the content of name, or nil when the archive has no such entry.
func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, nil
}

// partPath finds the part registered for contentType in [Content_Types].xml.
func partPath(zr *zip.Reader, contentType string) string {
	data, err := readZipFile(zr, contentTypesPath)
	if err != nil || data == nil {
		return ""
	}
	ct := regexp.QuoteMeta(contentType)
	for _, re := range []*regexp.Regexp{
		regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + ct + `"`),
		regexp.MustCompile(`<Override[^>]+ContentType="` + ct + `"[^>]+PartName="([^"]+)"`),
	} {
		if m := re.FindSubmatch(data); len(m) > 1 {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return ""
}

// joinRuns concatenates the inner text of every run matched by re.
func joinRuns(re *regexp.Regexp, xml string) string {
	var b strings.Builder
	for _, m := range re.FindAllStringSubmatch(xml, -1) {
		b.WriteString(html.UnescapeString(m[1]))
	}
	return strings.TrimSpace(b.String())
}

func firstMatch(re *regexp.Regexp, data []byte) string {
	if m := re.FindSubmatch(data); len(m) > 1 {
		return strings.TrimSpace(html.UnescapeString(string(m[1])))
	}
	return ""
}

// coreProperties reads title and author from docProps/core.xml.
func coreProperties(zr *zip.Reader, info *Info) {
	data, err := readZipFile(zr, "docProps/core.xml")
	if err != nil || data == nil {
		return
	}
	info.Title = firstMatch(coreTitle, data)
	info.Author = firstMatch(coreCreator, data)
}
