package extract

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// Content types understood by the extractor.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypePPTX     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	TypeODT      = "application/vnd.oasis.opendocument.text"
	TypeODS      = "application/vnd.oasis.opendocument.spreadsheet"
	TypeODP      = "application/vnd.oasis.opendocument.presentation"
	TypeRTF      = "application/rtf"
	TypePNG      = "image/png"
	TypeJPEG     = "image/jpeg"
	TypeTIFF     = "image/tiff"
	TypeBMP      = "image/bmp"
	TypeGIF      = "image/gif"
	TypeWebP     = "image/webp"
)

var extensionTypes = map[string]string{
	".txt":      TypePlain,
	".text":     TypePlain,
	".log":      TypePlain,
	".csv":      TypePlain,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".pdf":      TypePDF,
	".docx":     TypeDOCX,
	".xlsx":     TypeXLSX,
	".pptx":     TypePPTX,
	".odt":      TypeODT,
	".ods":      TypeODS,
	".odp":      TypeODP,
	".rtf":      TypeRTF,
	".png":      TypePNG,
	".jpg":      TypeJPEG,
	".jpeg":     TypeJPEG,
	".tif":      TypeTIFF,
	".tiff":     TypeTIFF,
	".bmp":      TypeBMP,
	".gif":      TypeGIF,
	".webp":     TypeWebP,
}

var aliases = map[string]string{
	"text/rtf":              TypeRTF,
	"text/x-markdown":       TypeMarkdown,
	"application/xhtml+xml": TypeHTML,
	"image/jpg":             TypeJPEG,
}

// ResolveContentType picks the content type for an upload. A specific declared
// type wins; generic declarations (octet-stream, zip, empty) fall back to the
// file extension and finally to sniffing head.
func ResolveContentType(filename, declared string, head []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(mt)
			if a, ok := aliases[mt]; ok {
				mt = a
			}
			if !generic(mt) {
				return mt
			}
		}
	}
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	if a, ok := aliases[mt]; ok {
		return a
	}
	return mt
}

func generic(mt string) bool {
	switch mt {
	case "", "application/octet-stream", "application/zip", "application/x-zip-compressed", "binary/octet-stream":
		return true
	}
	return false
}

// IsImage reports whether contentType is an image that needs OCR.
func IsImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}
