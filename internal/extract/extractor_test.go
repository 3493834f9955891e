package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/xuri/excelize/v2"
)

func collect(t *testing.T, e *Extractor, content []byte, contentType string) ([]Section, *Info, error) {
	t.Helper()
	var out []Section
	info, err := e.Extract(context.Background(), content, contentType, func(s Section) error {
		out = append(out, s)
		return nil
	})
	return out, info, err
}

func render(sections []Section) string {
	var b bytes.Buffer
	for _, s := range sections {
		fmt.Fprintf(&b, "%d.%d:%s|", s.Page, s.Paragraph, s.Text)
	}
	return b.String()
}

// zipOf builds an archive with the given entries, in order.
func zipOf(entries ...[2]string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, _ := w.Create(e[0])
		_, _ = fw.Write([]byte(e[1]))
	}
	_ = w.Close()
	return buf.Bytes()
}

func docxBody(body string) string {
	return `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`
}

func slide(texts ...string) string {
	s := `<p:sld><p:cSld><p:spTree><p:sp><p:txBody>`
	for _, t := range texts {
		s += `<a:p><a:r><a:t>` + t + `</a:t></a:r></a:p>`
	}
	return s + `</p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
}

func TestExtract_formats(t *testing.T) {
	xlsx := func() []byte {
		f := excelize.NewFile()
		defer f.Close()
		f.SetCellValue("Sheet1", "A1", "Title")
		f.SetCellValue("Sheet1", "A2", "Value 1")
		f.SetCellValue("Sheet1", "B2", "Value 2")
		var buf bytes.Buffer
		if _, err := f.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
		return buf.Bytes()
	}()

	tests := []struct {
		name        string
		content     []byte
		contentType string
		want        string
		wantPages   int
	}{
		{
			name:        "plain paragraphs and form feed pages",
			content:     []byte("Intro line\n\nSecond para\nwraps here\fPage two"),
			contentType: TypePlain,
			want:        "1.1:Intro line|1.2:Second para\nwraps here|2.1:Page two|",
			wantPages:   2,
		},
		{
			name:        "invalid utf8 is replaced",
			content:     []byte("hello\x80world"),
			contentType: TypeMarkdown,
			want:        "1.1:hello\uFFFDworld|",
			wantPages:   1,
		},
		{
			name:        "excel sheet rows",
			content:     xlsx,
			contentType: TypeXLSX,
			want:        "1.1:Title|1.2:Value 1\tValue 2|",
			wantPages:   1,
		},
		{
			name: "docx paragraphs and page breaks",
			content: zipOf([2]string{"word/document.xml", docxBody(
				`<w:p w:rsidR="00A1"><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world &amp; co</w:t></w:r></w:p>` +
					`<w:p><w:pPr/></w:p>` +
					`<w:p><w:r><w:br w:type="page"/><w:t>Next page</w:t></w:r></w:p>`)}),
			contentType: TypeDOCX,
			want:        "1.1:Hello world & co|2.1:Next page|",
			wantPages:   2,
		},
		{
			name: "docx main part from content types",
			content: zipOf(
				[2]string{"[Content_Types].xml", `<Types><Override ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml" PartName="/word/document3.xml"/></Types>`},
				[2]string{"word/document3.xml", docxBody(`<w:p><w:r><w:t>Reversed order</w:t></w:r></w:p>`)},
			),
			contentType: TypeDOCX,
			want:        "1.1:Reversed order|",
			wantPages:   1,
		},
		{
			name: "pptx slides in numeric order",
			content: zipOf(
				[2]string{"ppt/slides/slide10.xml", slide("Tenth")},
				[2]string{"ppt/slides/slide2.xml", slide("Second", "More")},
				[2]string{"ppt/slides/slide1.xml", slide("First")},
			),
			contentType: TypePPTX,
			want:        "1.1:First|2.1:Second|2.2:More|3.1:Tenth|",
			wantPages:   3,
		},
		{
			name: "odp pages",
			content: zipOf([2]string{"content.xml", `<office:document><office:body>` +
				`<draw:page draw:name="a"><text:h>Slide title</text:h><text:p>Body <text:span>text</text:span></text:p></draw:page>` +
				`<draw:page><text:p text:style-name="P1"/><text:p>Second</text:p></draw:page>` +
				`</office:body></office:document>`}),
			contentType: TypeODP,
			want:        "1.1:Slide title|1.2:Body text|2.1:Second|",
			wantPages:   2,
		},
		{
			name: "ods rows",
			content: zipOf([2]string{"content.xml", `<office:document><office:body><table:table table:name="S1">` +
				`<table:table-row><table:table-cell><text:p>Cell A</text:p></table:table-cell><table:table-cell><text:span>Cell B</text:span></table:table-cell></table:table-row>` +
				`<table:table-row><table:table-cell/></table:table-row>` +
				`</table:table></office:body></office:document>`}),
			contentType: TypeODS,
			want:        "1.1:Cell A\tCell B|",
			wantPages:   1,
		},
		{
			name: "html main content blocks",
			content: []byte(`<html><head><title>Guide</title><script>var x;</script></head><body>` +
				`<nav><p>menu</p></nav><main><h1>Heading</h1><p>First <b>bold</b>
				para</p><ul><li><p>Item</p></li></ul></main></body></html>`),
			contentType: TypeHTML,
			want:        "1.1:Heading|1.2:First bold para|1.3:Item|",
			wantPages:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, info, err := collect(t, NewExtractor(), tt.content, tt.contentType)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if r := render(got); r != tt.want {
				t.Errorf("got  %q\nwant %q", r, tt.want)
			}
			if info.PageCount != tt.wantPages {
				t.Errorf("page count = %d, want %d", info.PageCount, tt.wantPages)
			}
			for _, s := range got {
				if s.Confidence != 1 || s.LowConfidence {
					t.Errorf("text-layer section should have full confidence: %+v", s)
				}
			}
		})
	}
}

func TestExtract_metadata(t *testing.T) {
	docx := zipOf(
		[2]string{"word/document.xml", docxBody(`<w:p><w:r><w:t>Body</w:t></w:r></w:p>`)},
		[2]string{"docProps/core.xml", `<cp:coreProperties><dc:title>Annual Plan</dc:title><dc:creator>Jane Roe</dc:creator></cp:coreProperties>`},
	)
	_, info, err := collect(t, NewExtractor(), docx, TypeDOCX)
	if err != nil {
		t.Fatal(err)
	}
	if info.Title != "Annual Plan" || info.Author != "Jane Roe" {
		t.Errorf("got %+v", info)
	}

	_, info, err = collect(t, NewExtractor(), []byte("# Release notes\n\nFixed things."), TypeMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	if info.Title != "Release notes" {
		t.Errorf("markdown title = %q", info.Title)
	}
}

func TestExtract_errors(t *testing.T) {
	tests := []struct {
		name        string
		content     []byte
		contentType string
		wantEmpty   bool
	}{
		{"unsupported type", []byte("PK..."), "application/zip", false},
		{"empty bytes", nil, TypePlain, false},
		{"whitespace only", []byte("  \n\n \t"), TypePlain, true},
		{"pptx not a zip", []byte("not a zip"), TypePPTX, false},
		{"pptx without slides", zipOf([2]string{"ppt/slides/other.xml", ""}, [2]string{"docProps/core.xml", ""}), TypePPTX, true},
		{"odp without content", zipOf([2]string{"other.xml", ""}), TypeODP, false},
		{"corrupt pdf", []byte("%PDF-1.4 garbage"), TypePDF, false},
		{"image without ocr", []byte{0x89, 'P', 'N', 'G'}, TypePNG, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := collect(t, NewExtractor(), tt.content, tt.contentType)
			var xe *models.ExtractionError
			if !errors.As(err, &xe) {
				t.Fatalf("expected *ExtractionError, got %v", err)
			}
			if got := errors.Is(err, models.ErrEmptyDocument); got != tt.wantEmpty {
				t.Errorf("ErrEmptyDocument = %v, want %v (%v)", got, tt.wantEmpty, err)
			}
		})
	}
}

func TestExtract_emitErrorIsNotAnExtractionError(t *testing.T) {
	stop := errors.New("downstream failed")
	_, err := NewExtractor().Extract(context.Background(), []byte("a\n\nb"), TypePlain, func(Section) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected downstream error, got %v", err)
	}
	var xe *models.ExtractionError
	if errors.As(err, &xe) {
		t.Error("downstream errors must not be classified as extraction failures")
	}
}

func TestExtract_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor().Extract(ctx, []byte("a\n\nb"), TypePlain, func(Section) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type fakeOCR struct {
	blocks []OCRBlock
	err    error
}

func (f fakeOCR) Recognize(context.Context, []byte) ([]OCRBlock, error) {
	return f.blocks, f.err
}

func TestExtract_imageOCR(t *testing.T) {
	e := NewExtractor(WithOCR(fakeOCR{blocks: []OCRBlock{
		{Text: "clear text", Confidence: 0.95},
		{Text: "blurry text", Confidence: 0.3},
	}}), WithLowConfidence(0.6))

	got, info, err := collect(t, e, []byte("img"), TypeJPEG)
	if err != nil {
		t.Fatal(err)
	}
	if !info.OCR || len(got) != 2 {
		t.Fatalf("info=%+v sections=%+v", info, got)
	}
	if got[0].LowConfidence || !got[1].LowConfidence {
		t.Errorf("low-confidence OCR text must be kept and flagged: %+v", got)
	}

	failing := NewExtractor(WithOCR(fakeOCR{err: errors.New("tesseract crashed")}))
	_, _, err = collect(t, failing, []byte("img"), TypePNG)
	var xe *models.ExtractionError
	if !errors.As(err, &xe) {
		t.Errorf("expected *ExtractionError, got %v", err)
	}
	if !e.Supports(TypePNG) || NewExtractor().Supports(TypePNG) {
		t.Error("image support depends on OCR")
	}
}

func TestParseTesseractTSV(t *testing.T) {
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tHello\n" +
		"5\t1\t1\t1\t2\t1\t0\t0\t10\t10\t80\tworld\n" +
		"5\t1\t2\t1\t1\t1\t0\t0\t10\t10\t40\tsmudge\n" +
		"5\t1\t2\t1\t1\t2\t0\t0\t10\t10\t-1\t \n"
	blocks, err := ParseTesseractTSV([]byte(tsv))
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %+v", blocks)
	}
	if blocks[0].Text != "Hello world" || blocks[0].Confidence < 0.849 || blocks[0].Confidence > 0.851 {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[1].Text != "smudge" || blocks[1].Confidence != 0.4 {
		t.Errorf("block 1 = %+v", blocks[1])
	}
}

func TestResolveContentType(t *testing.T) {
	tests := []struct {
		filename, declared string
		head               []byte
		want               string
	}{
		{"a.pdf", "application/pdf", nil, TypePDF},
		{"a.txt", "text/plain; charset=utf-8", nil, TypePlain},
		{"report.DOCX", "application/octet-stream", nil, TypeDOCX},
		{"slides.pptx", "application/zip", nil, TypePPTX},
		{"notes.md", "", nil, TypeMarkdown},
		{"scan.JPG", "", nil, TypeJPEG},
		{"letter.rtf", "text/rtf", nil, TypeRTF},
		{"noext", "", []byte("%PDF-1.7\n"), TypePDF},
		{"noext", "", []byte("plain words here"), TypePlain},
		{"noext", "", nil, "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ResolveContentType(tt.filename, tt.declared, tt.head); got != tt.want {
			t.Errorf("ResolveContentType(%q, %q) = %q, want %q", tt.filename, tt.declared, got, tt.want)
		}
	}
}

func TestMetadataFromFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     FileMetadata
	}{
		{"smith_quarterly_2024-01-15.pdf", FileMetadata{Author: "smith", Date: "2024-01-15", Title: "smith quarterly 2024 01 15"}},
		{"meeting_notes.txt", FileMetadata{Title: "meeting notes"}},
		{"/tmp/dir/a_b_c.md", FileMetadata{Author: "a", Title: "a b c"}},
		{"draft-2024-13-45.docx", FileMetadata{Title: "draft 2024 13 45"}},
	}
	for _, tt := range tests {
		if got := MetadataFromFilename(tt.filename); got != tt.want {
			t.Errorf("MetadataFromFilename(%q) = %+v, want %+v", tt.filename, got, tt.want)
		}
	}
}
