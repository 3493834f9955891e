// Package catalog provides full-text search over document names, titles and
// authors for the document listing.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kotae/internal/models"
)

// entry is the indexed form of a document.
type entry struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Author   string `json:"author"`
}

// Catalog is a Bleve index keyed by document id.
type Catalog struct {
	index     bleve.Index
	fuzziness int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithFuzziness enables typo-tolerant matching up to n edits (1 or 2).
func WithFuzziness(n int) Option {
	return func(c *Catalog) {
		if n > 2 {
			n = 2
		}
		c.fuzziness = n
	}
}

const analyzerName = "name"

func newMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	// Lowercase and tokenize only: no stop words, no stemming.
	err := im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}
	docMapping := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	text.Analyzer = analyzerName
	docMapping.AddFieldMappingsAt("filename", text)
	docMapping.AddFieldMappingsAt("title", text)
	docMapping.AddFieldMappingsAt("author", text)
	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	return im, nil
}

// Open creates or opens the catalog at path. An empty path keeps the index in memory.
// Changing the mapping requires removing the directory so the catalog is rebuilt.
func Open(path string, opts ...Option) (*Catalog, error) {
	im, err := newMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog mapping: %w", err)
	}
	var index bleve.Index
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(im)
	default:
		if _, statErr := os.Stat(path); statErr == nil {
			index, err = bleve.Open(path)
		} else {
			index, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	c := &Catalog{index: index}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// searchable replaces filename separators with spaces so multi-word queries
// match names like "smith_quarterly-report_2024.pdf".
func searchable(s string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
}

// Index adds or replaces the catalog entry for doc.
func (c *Catalog) Index(ctx context.Context, doc *models.Document) error {
	return c.index.Index(doc.ID, entry{
		Filename: searchable(doc.Filename),
		Title:    doc.Title,
		Author:   searchable(doc.Author),
	})
}

// Delete removes id from the catalog.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	return c.index.Delete(id)
}

// Search returns up to limit document ids matching every term of query, best first.
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]string, error) {
	terms := strings.Fields(strings.ToLower(searchable(query)))
	if len(terms) == 0 {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = models.MaxPageSize
	}
	clauses := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		clauses = append(clauses, c.termQuery(term))
	}
	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(clauses...))
	req.Size = limit
	res, err := c.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	ids := make([]string, len(res.Hits))
	for i, hit := range res.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// termQuery matches term in any field, as a prefix or within the configured edit distance.
func (c *Catalog) termQuery(term string) blevequery.Query {
	var alts []blevequery.Query
	for _, field := range []string{"filename", "title", "author"} {
		mq := bleve.NewMatchQuery(term)
		mq.SetField(field)
		pq := bleve.NewPrefixQuery(term)
		pq.SetField(field)
		alts = append(alts, mq, pq)
		if c.fuzziness > 0 {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(c.fuzziness)
			fq.SetField(field)
			alts = append(alts, fq)
		}
	}
	return bleve.NewDisjunctionQuery(alts...)
}

// Count returns the number of catalogued documents.
func (c *Catalog) Count() (uint64, error) {
	return c.index.DocCount()
}

// Close closes the index.
func (c *Catalog) Close() error {
	return c.index.Close()
}
