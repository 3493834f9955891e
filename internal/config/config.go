// Package config provides configuration loading and structs for the kotae server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Vector     VectorConfig     `yaml:"vector"`
	Generation GenerationConfig `yaml:"generation"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	OCR        OCRConfig        `yaml:"ocr"`
	Processing ProcessingConfig `yaml:"processing"`
	Query      QueryConfig      `yaml:"query"`
	Inbox      InboxConfig      `yaml:"inbox"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the database, raw uploads and indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	BlobDir          string `yaml:"blob_dir"`
	CatalogIndexPath string `yaml:"catalog_index_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // mock, openai, gemini, ollama, onnx
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheSize         int           `yaml:"cache_size"`
	ModelPath         string        `yaml:"model_path"` // onnx only
	MaxTokens         int           `yaml:"max_tokens"` // onnx only
}

// APIKey returns the key from the environment variable named by APIKeyEnv.
func (e EmbeddingConfig) APIKey() string {
	return envValue(e.APIKeyEnv)
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // memory, pgvector, qdrant
	DSN        string `yaml:"dsn"`     // pgvector
	Table      string `yaml:"table"`   // pgvector
	URL        string `yaml:"url"`     // qdrant
	Collection string `yaml:"collection"`
	APIKeyEnv  string `yaml:"api_key_env"`
}

// APIKey returns the key from the environment variable named by APIKeyEnv.
func (v VectorConfig) APIKey() string {
	return envValue(v.APIKeyEnv)
}

// GenerationConfig selects and tunes the answer generator.
type GenerationConfig struct {
	Provider          string        `yaml:"provider"` // mock, openai, groq, gemini, ollama
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	SystemPrompt      string        `yaml:"system_prompt"`
}

// APIKey returns the key from the environment variable named by APIKeyEnv.
func (g GenerationConfig) APIKey() string {
	return envValue(g.APIKeyEnv)
}

// ChunkingConfig holds split parameters in characters.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// OCRConfig controls image text recognition.
type OCRConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Binary        string        `yaml:"binary"`
	Languages     string        `yaml:"languages"`
	Timeout       time.Duration `yaml:"timeout"`
	LowConfidence float64       `yaml:"low_confidence"`
}

// ProcessingConfig bounds background document processing.
type ProcessingConfig struct {
	Workers         int           `yaml:"workers"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	IndexTimeout    time.Duration `yaml:"index_timeout"`
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`
	EmbedBatchSize  int           `yaml:"embed_batch_size"`
}

// QueryConfig holds retrieval and answer-assembly settings.
type QueryConfig struct {
	DefaultTopK  int     `yaml:"default_top_k"`
	MaxTopK      int     `yaml:"max_top_k"`
	MinScore     float64 `yaml:"min_score"`
	ContextChars int     `yaml:"context_chars"`
	SnippetChars int     `yaml:"snippet_chars"`
	ThemesTopK   int     `yaml:"themes_top_k"`
}

// InboxConfig holds directory watch settings.
type InboxConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *InboxConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Address returns host:port for the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads and parses the config file at path, applies defaults, expands paths and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	cfg.ExpandPaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandPaths makes every filesystem path absolute relative to configDir.
func (cfg *Config) ExpandPaths(configDir string) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BlobDir = expandPath(cfg.Storage.BlobDir, configDir)
	if cfg.Storage.CatalogIndexPath != "" {
		cfg.Storage.CatalogIndexPath = expandPath(cfg.Storage.CatalogIndexPath, configDir)
	}
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Inbox.Directories {
		cfg.Inbox.Directories[i] = expandPath(cfg.Inbox.Directories[i], configDir)
	}
}

// Validate rejects unknown providers and inconsistent sizes.
func (cfg *Config) Validate() error {
	if !oneOf(cfg.Embedding.Provider, "mock", "openai", "gemini", "ollama", "onnx") {
		return fmt.Errorf("invalid config: unknown embedding provider %q", cfg.Embedding.Provider)
	}
	if !oneOf(cfg.Generation.Provider, "mock", "openai", "groq", "gemini", "ollama") {
		return fmt.Errorf("invalid config: unknown generation provider %q", cfg.Generation.Provider)
	}
	if !oneOf(cfg.Vector.Backend, "memory", "pgvector", "qdrant") {
		return fmt.Errorf("invalid config: unknown vector backend %q", cfg.Vector.Backend)
	}
	if cfg.Vector.Backend == "pgvector" && cfg.Vector.DSN == "" {
		return fmt.Errorf("invalid config: vector.dsn is required for pgvector")
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return fmt.Errorf("invalid config: chunking.overlap (%d) must be smaller than chunking.size (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.Size)
	}
	if cfg.Query.DefaultTopK > cfg.Query.MaxTopK {
		return fmt.Errorf("invalid config: query.default_top_k exceeds query.max_top_k")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
