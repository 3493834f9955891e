package embedding

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers embeddings by input text, evicting the least recently used.
// A Cache built with a non-positive size stores nothing.
type Cache struct {
	entries *lru.Cache[string, []float32]
}

// NewCache creates a cache holding up to size vectors.
func NewCache(size int) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	entries, err := lru.New[string, []float32](size)
	if err != nil {
		return &Cache{}
	}
	return &Cache{entries: entries}
}

// Get returns the cached embedding for text.
func (c *Cache) Get(text string) ([]float32, bool) {
	if c.entries == nil {
		return nil, false
	}
	return c.entries.Get(text)
}

// Set stores the embedding for text.
func (c *Cache) Set(text string, vec []float32) {
	if c.entries != nil {
		c.entries.Add(text, vec)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
