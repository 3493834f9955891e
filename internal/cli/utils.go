// Package cli renders kotae results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
	"github.com/hyperjump/kotae/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const snippetLen = 160

// ParseOutputFormat returns the format named by s.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text or json", s)
}

// Status mirrors GET /api/v1/status.
type Status struct {
	Documents      int64                  `json:"documents"`
	ByStatus       map[string]int         `json:"by_status"`
	Chunks         int64                  `json:"chunks"`
	Vectors        int                    `json:"vectors"`
	DiskUsageBytes int64                  `json:"disk_usage_bytes"`
	Config         map[string]interface{} `json:"config"`
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// StatusLabel colours a document status for terminal output.
func StatusLabel(s models.DocumentStatus) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusProcessing:
		return color.YellowString(string(s))
	}
	return color.CyanString(string(s))
}

// WriteQueryResult writes an answer and its citations.
func WriteQueryResult(w io.Writer, res *models.QueryResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	if res.NoResults {
		fmt.Fprintln(w, color.YellowString(res.Message))
		return nil
	}
	fmt.Fprintf(w, "\n%s\n\n", res.AnswerText())
	if res.Metadata.Degraded {
		fmt.Fprintln(w, color.YellowString("(compact answer: %s)", res.Metadata.DegradeReason))
	}
	if res.Enhanced != nil {
		fmt.Fprintln(w, "--- Sources ---")
		for _, c := range res.Enhanced.Citations {
			fmt.Fprintf(w, "[%d] %s\n", c.SourceIndex, citationLine(c.Citation))
			fmt.Fprintf(w, "    similarity %.3f  model %s  vector %s\n", c.Provenance.Similarity, c.Provenance.Model, c.Provenance.VectorID)
		}
	} else {
		fmt.Fprintln(w, "--- Citations ---")
		for i, c := range res.Citations() {
			fmt.Fprintf(w, "[%d] %s\n", i+1, citationLine(c))
		}
	}
	fmt.Fprintf(w, "\n%d chunks from %d documents in %dms\n",
		res.Metadata.TotalResults, res.Metadata.DocumentsSearched, res.Metadata.TookMS)
	return nil
}

func citationLine(c models.Citation) string {
	var b strings.Builder
	b.WriteString(color.New(color.Bold).Sprint(c.DocumentName))
	if c.Page > 0 {
		fmt.Fprintf(&b, " p.%d", c.Page)
	}
	if c.Paragraph > 0 {
		fmt.Fprintf(&b, " ¶%d", c.Paragraph)
	}
	if c.LowConfidence {
		b.WriteString(color.YellowString(" (low OCR confidence)"))
	}
	fmt.Fprintf(&b, "\n    %q", utils.Truncate(oneLine(c.Snippet), snippetLen))
	return b.String()
}

// WriteThemeResult writes the themes found across the retrieved chunks.
func WriteThemeResult(w io.Writer, res *models.ThemeResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	if res.NoResults || len(res.Themes) == 0 {
		msg := res.Message
		if msg == "" {
			msg = "No themes found."
		}
		fmt.Fprintln(w, color.YellowString(msg))
		return nil
	}
	for i, t := range res.Themes {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, color.New(color.Bold).Sprint(t.Name))
		if t.Summary != "" {
			fmt.Fprintf(w, "   %s\n", TruncateWords(t.Summary, 40))
		}
		names := make([]string, len(t.Documents))
		for j, d := range t.Documents {
			names[j] = d.DocumentName
		}
		fmt.Fprintf(w, "   documents: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "\n%d themes in %dms\n", len(res.Themes), res.TookMS)
	return nil
}

// WriteDocumentList writes one page of documents as a table.
func WriteDocumentList(w io.Writer, res *models.ListResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	if len(res.Documents) == 0 {
		fmt.Fprintln(w, "No documents.")
		return nil
	}
	for _, d := range res.Documents {
		fmt.Fprintf(w, "%-36s  %-10s  %5d  %s\n", d.ID, StatusLabel(d.Status), d.PageCount, utils.Truncate(d.DisplayName(), 60))
	}
	fmt.Fprintf(w, "\npage %d of %d (%d documents)\n", res.Page, res.PageCount, res.Total)
	return nil
}

// WriteDocument writes a single document record.
func WriteDocument(w io.Writer, doc *models.Document, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, doc)
	}
	fmt.Fprintf(w, "id:            %s\n", doc.ID)
	fmt.Fprintf(w, "filename:      %s\n", doc.Filename)
	fmt.Fprintf(w, "status:        %s\n", StatusLabel(doc.Status))
	if doc.ErrorDetail != "" {
		fmt.Fprintf(w, "error:         %s\n", color.RedString(doc.ErrorDetail))
	}
	fmt.Fprintf(w, "content_type:  %s\n", doc.ContentType)
	fmt.Fprintf(w, "size_bytes:    %d\n", doc.SizeBytes)
	if doc.Title != "" {
		fmt.Fprintf(w, "title:         %s\n", doc.Title)
	}
	if doc.Author != "" {
		fmt.Fprintf(w, "author:        %s\n", doc.Author)
	}
	if doc.DocumentDate != "" {
		fmt.Fprintf(w, "date:          %s\n", doc.DocumentDate)
	}
	fmt.Fprintf(w, "pages:         %d\n", doc.PageCount)
	fmt.Fprintf(w, "chunks:        %d\n", doc.ChunkCount)
	fmt.Fprintf(w, "attempts:      %d\n", doc.Attempts)
	fmt.Fprintf(w, "uploaded_at:   %s\n", doc.UploadedAt.Format("2006-01-02 15:04:05"))
	if len(doc.Metadata) > 0 {
		keys := make([]string, 0, len(doc.Metadata))
		for k := range doc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, doc.Metadata[k])
		}
	}
	return nil
}

// WriteTriggerReport writes the outcome of a retry.
func WriteTriggerReport(w io.Writer, r *processor.TriggerReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, r)
	}
	switch {
	case r.AlreadyProcessing:
		fmt.Fprintf(w, "%s is already processing\n", r.DocumentID)
	case r.Scheduled:
		fmt.Fprintf(w, "%s scheduled for processing\n", r.DocumentID)
	default:
		fmt.Fprintf(w, "%s not scheduled (status %s)\n", r.DocumentID, StatusLabel(r.Status))
	}
	return nil
}

// WriteStatus writes service counters and the configuration summary.
func WriteStatus(w io.Writer, s *Status, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, s)
	}
	fmt.Fprintf(w, "documents:         %d\n", s.Documents)
	for _, st := range []models.DocumentStatus{models.StatusUploaded, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		fmt.Fprintf(w, "  %-16s %d\n", StatusLabel(st)+":", s.ByStatus[string(st)])
	}
	fmt.Fprintf(w, "chunks:            %d\n", s.Chunks)
	fmt.Fprintf(w, "vectors:           %d\n", s.Vectors)
	fmt.Fprintf(w, "disk_usage_bytes:  %d\n", s.DiskUsageBytes)
	if len(s.Config) > 0 {
		keys := make([]string, 0, len(s.Config))
		for k := range s.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		for _, k := range keys {
			fmt.Fprintf(w, "%-18s %v\n", k+":", s.Config[k])
		}
	}
	return nil
}

// WriteSelectionWarning reports selected ids that match no document. It writes
// nothing when every id is known.
func WriteSelectionWarning(w io.Writer, report *models.SelectionReport) {
	if report == nil || len(report.InvalidIDs) == 0 {
		return
	}
	fmt.Fprintln(w, color.YellowString("warning: %d of %d selected documents not found: %s",
		len(report.InvalidIDs), report.Count+len(report.InvalidIDs), strings.Join(report.InvalidIDs, ", ")))
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
