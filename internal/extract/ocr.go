package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// OCRBlock is a recognised paragraph with its mean confidence in [0,1].
type OCRBlock struct {
	Text       string
	Confidence float64
}

// OCR recognises text in an image.
type OCR interface {
	Recognize(ctx context.Context, image []byte) ([]OCRBlock, error)
}

// TesseractOCR shells out to the tesseract binary.
type TesseractOCR struct {
	Binary    string
	Languages string
	Timeout   time.Duration
}

// NewTesseractOCR returns a TesseractOCR, checking that the binary can be found.
func NewTesseractOCR(binary, languages string, timeout time.Duration) (*TesseractOCR, error) {
	if binary == "" {
		binary = "tesseract"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("tesseract binary %q not found: %w", binary, err)
	}
	if languages == "" {
		languages = "eng"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &TesseractOCR{Binary: binary, Languages: languages, Timeout: timeout}, nil
}

// Recognize runs tesseract on image and groups the TSV word output into paragraphs.
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) ([]OCRBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.Binary, "stdin", "stdout", "-l", t.Languages, "tsv")
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tesseract: %w", ctx.Err())
		}
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseTesseractTSV(stdout.Bytes())
}

type parKey struct{ page, block, par int }

// ParseTesseractTSV groups word rows (level 5) by page, block and paragraph.
func ParseTesseractTSV(data []byte) ([]OCRBlock, error) {
	var (
		order []parKey
		words = map[parKey][]string{}
		confs = map[parKey][]float64{}
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || text == "" || conf < 0 {
			continue
		}
		k := parKey{atoi(cols[1]), atoi(cols[2]), atoi(cols[3])}
		if _, seen := words[k]; !seen {
			order = append(order, k)
		}
		words[k] = append(words[k], text)
		confs[k] = append(confs[k], conf)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tesseract output: %w", err)
	}

	blocks := make([]OCRBlock, 0, len(order))
	for _, k := range order {
		var sum float64
		for _, c := range confs[k] {
			sum += c
		}
		mean := sum / float64(len(confs[k])) / 100
		if mean > 1 {
			mean = 1
		}
		blocks = append(blocks, OCRBlock{Text: strings.Join(words[k], " "), Confidence: mean})
	}
	return blocks, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (e *Extractor) extractImage(ctx context.Context, content []byte, emit EmitFunc) (*Info, error) {
	blocks, err := e.ocr.Recognize(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("OCR: %w", err)
	}
	for i, b := range blocks {
		if err := forward(emit, Section{Page: 1, Paragraph: i + 1, Text: b.Text, Confidence: b.Confidence, OCR: true}); err != nil {
			return nil, err
		}
	}
	return &Info{PageCount: 1, OCR: true}, nil
}
