package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperjump/kotae/internal/cli"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
)

// apiClient talks to a running kotae server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, http: &http.Client{}}
}

// apiError is a non-2xx response from the server.
type apiError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *apiError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("server returned %d: %s (retryable)", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *apiClient) do(method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequest(method, c.base+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		var payload struct {
			Error     string `json:"error"`
			Retryable bool   `json:"retryable"`
		}
		apiErr := &apiError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(b))}
		if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Retryable = payload.Retryable
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) postJSON(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, path, bytes.NewReader(body), "application/json", out)
}

// upload streams files as one multipart request with a repeated "file" field.
func (c *apiClient) upload(paths []string) ([]*models.Document, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, paths))
	}()
	var out struct {
		Documents []*models.Document `json:"documents"`
	}
	if err := c.do(http.MethodPost, "/documents", pr, mw.FormDataContentType(), &out); err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	return out.Documents, nil
}

// validateSelection asks the server which of ids exist.
func (c *apiClient) validateSelection(ids []string) (*models.SelectionReport, error) {
	var report models.SelectionReport
	if err := c.postJSON("/documents/selection", &models.SelectionRequest{DocumentIDs: ids}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// checkSelection warns on stderr about selected ids the server does not know.
// The query still runs; unknown ids simply match nothing.
func (c *apiClient) checkSelection(ids *[]string) {
	if ids == nil || len(*ids) == 0 {
		return
	}
	report, err := c.validateSelection(*ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not validate document selection: %v\n", err)
		return
	}
	cli.WriteSelectionWarning(os.Stderr, report)
}

func writeParts(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("file", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return mw.Close()
}

type remoteFlags struct {
	fs        *flag.FlagSet
	serverURL *string
	output    *string
}

func newRemoteFlags(name string) *remoteFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &remoteFlags{
		fs:        fs,
		serverURL: fs.String("server", defaultServerURL, "server URL"),
		output:    fs.String("output", "text", "output format: text or json"),
	}
}

func (r *remoteFlags) parse(args []string) (*apiClient, cli.OutputFormat) {
	_ = r.fs.Parse(reorderArgs(args))
	format, err := cli.ParseOutputFormat(*r.output)
	if err != nil {
		fatalf("%v", err)
	}
	return newAPIClient(*r.serverURL), format
}

func runUpload(args []string) {
	rf := newRemoteFlags("upload")
	client, format := rf.parse(args)
	if rf.fs.NArg() < 1 {
		fatalf("Usage: kotae upload [flags] <files...>")
	}
	docs, err := client.upload(rf.fs.Args())
	if err != nil {
		fatalf("Upload failed: %v", err)
	}
	for _, doc := range docs {
		if err := cli.WriteDocument(os.Stdout, doc, format); err != nil {
			fatalf("Output failed: %v", err)
		}
		if format == cli.OutputText {
			fmt.Println()
		}
	}
}

func runQuery(args []string) {
	rf := newRemoteFlags("query")
	var docs selectionFlag
	rf.fs.Var(&docs, "docs", "comma-separated document ids to search (empty string searches nothing)")
	form := rf.fs.String("form", string(models.FormEnhanced), "answer form: enhanced or compact")
	topK := rf.fs.Int("top-k", 0, "chunks to retrieve (0 = server default)")
	client, format := rf.parse(args)

	question := joinArgs(rf.fs.Args())
	if question == "" {
		fatalf("Usage: kotae query [flags] <question>")
	}
	client.checkSelection(docs.ids)
	req := &models.QueryRequest{
		Question:    question,
		DocumentIDs: docs.ids,
		TopK:        *topK,
		Form:        models.ResponseForm(*form),
	}
	var res models.QueryResult
	if err := client.postJSON("/query", req, &res); err != nil {
		fatalf("Query failed: %v", err)
	}
	if err := cli.WriteQueryResult(os.Stdout, &res, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runThemes(args []string) {
	rf := newRemoteFlags("themes")
	var docs selectionFlag
	rf.fs.Var(&docs, "docs", "comma-separated document ids to analyse (empty string analyses nothing)")
	topK := rf.fs.Int("top-k", 0, "chunks to analyse (0 = server default)")
	client, format := rf.parse(args)

	client.checkSelection(docs.ids)
	req := &models.ThemeRequest{
		Question:    joinArgs(rf.fs.Args()),
		DocumentIDs: docs.ids,
		TopK:        *topK,
	}
	var res models.ThemeResult
	if err := client.postJSON("/themes", req, &res); err != nil {
		fatalf("Themes failed: %v", err)
	}
	if err := cli.WriteThemeResult(os.Stdout, &res, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// listParams maps list flags onto the query parameters of GET /documents.
var listParams = []struct {
	flag, param, usage string
}{
	{"q", "q", "catalog search over filename, title and author"},
	{"search", "search", "substring over filename, title and author"},
	{"filename", "filename", "filename substring"},
	{"author", "author", "author substring"},
	{"status", "status", "uploaded, processing, completed or failed"},
	{"content-type", "content_type", "exact content type"},
	{"from", "uploaded_from", "uploaded on or after (YYYY-MM-DD or RFC3339)"},
	{"to", "uploaded_to", "uploaded on or before (YYYY-MM-DD or RFC3339)"},
	{"sort", "sort", "uploaded_at, filename or page_count"},
	{"order", "order", "asc or desc"},
}

func runList(args []string) {
	rf := newRemoteFlags("list")
	values := make(map[string]*string, len(listParams))
	for _, p := range listParams {
		values[p.param] = rf.fs.String(p.flag, "", p.usage)
	}
	page := rf.fs.Int("page", 0, "page number (1-based)")
	pageSize := rf.fs.Int("page-size", 0, "documents per page")
	client, format := rf.parse(args)

	q := url.Values{}
	for param, v := range values {
		if *v != "" {
			q.Set(param, *v)
		}
	}
	if *page > 0 {
		q.Set("page", strconv.Itoa(*page))
	}
	if *pageSize > 0 {
		q.Set("page_size", strconv.Itoa(*pageSize))
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res models.ListResult
	if err := client.do(http.MethodGet, path, nil, "", &res); err != nil {
		fatalf("List failed: %v", err)
	}
	if err := cli.WriteDocumentList(os.Stdout, &res, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runShow(args []string) {
	rf := newRemoteFlags("show")
	client, format := rf.parse(args)
	if rf.fs.NArg() < 1 {
		fatalf("Usage: kotae show [flags] <document-id>")
	}
	var doc models.Document
	if err := client.do(http.MethodGet, "/documents/"+url.PathEscape(rf.fs.Arg(0)), nil, "", &doc); err != nil {
		fatalf("Show failed: %v", err)
	}
	if err := cli.WriteDocument(os.Stdout, &doc, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runRetry(args []string) {
	rf := newRemoteFlags("retry")
	client, format := rf.parse(args)
	if rf.fs.NArg() < 1 {
		fatalf("Usage: kotae retry [flags] <document-id>")
	}
	var report processor.TriggerReport
	if err := client.do(http.MethodPost, "/documents/"+url.PathEscape(rf.fs.Arg(0))+"/retry", nil, "", &report); err != nil {
		fatalf("Retry failed: %v", err)
	}
	if err := cli.WriteTriggerReport(os.Stdout, &report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDelete(args []string) {
	rf := newRemoteFlags("delete")
	client, _ := rf.parse(args)
	if rf.fs.NArg() < 1 {
		fatalf("Usage: kotae delete [flags] <document-id>")
	}
	id := rf.fs.Arg(0)
	if err := client.do(http.MethodDelete, "/documents/"+url.PathEscape(id), nil, "", nil); err != nil {
		fatalf("Deletion failed: %v", err)
	}
	fmt.Printf("Document deleted: %s\n", id)
}

func runStatus(args []string) {
	rf := newRemoteFlags("status")
	client, format := rf.parse(args)
	var status cli.Status
	if err := client.do(http.MethodGet, "/status", nil, "", &status); err != nil {
		fatalf("Status failed: %v", err)
	}
	if err := cli.WriteStatus(os.Stdout, &status, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}
