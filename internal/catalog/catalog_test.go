package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kotae/internal/models"
)

func seed(t *testing.T, c *Catalog) {
	t.Helper()
	ctx := context.Background()
	docs := []*models.Document{
		{ID: "a", Filename: "smith_quarterly-report_2024-01-15.pdf", Title: "Quarterly Report", Author: "smith"},
		{ID: "b", Filename: "hyperjump_company_profile_2021.pptx", Title: "Company Profile"},
		{ID: "c", Filename: "notes.txt", Title: "Bayesian field notes", Author: "jones"},
	}
	for _, d := range docs {
		if err := c.Index(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCatalog_Search(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	seed(t, c)

	tests := []struct {
		query string
		want  []string
	}{
		{"smith", []string{"a"}},
		{"hyperjump profile", []string{"b"}},
		{"quarter", []string{"a"}},
		{"bayesian", []string{"c"}},
		{"JONES notes", []string{"c"}},
		{"nothing-matches-this", []string{}},
		{"   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := c.Search(context.Background(), tt.query, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Search(%q) = %v, want %v", tt.query, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Search(%q)[%d] = %q, want %q", tt.query, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCatalog_Fuzzy(t *testing.T) {
	c, err := Open("", WithFuzziness(1))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	seed(t, c)

	got, err := c.Search(context.Background(), "smoth", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("fuzzy search = %v", got)
	}
}

func TestCatalog_DeleteAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	seed(t, c)
	if err := c.Delete(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	n, err := c.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	got, err := c.Search(context.Background(), "smith", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("deleted document still found: %v", got)
	}
}
