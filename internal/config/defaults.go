package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 120 * time.Second
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 100 << 20
	}

	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".kotae/data/documents.db"
	}
	if cfg.Storage.BlobDir == "" {
		cfg.Storage.BlobDir = ".kotae/data/uploads"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = ".kotae/data/vectors.idx"
	}

	applyEmbeddingDefaults(&cfg.Embedding)
	applyGenerationDefaults(&cfg.Generation)

	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Vector.Table == "" {
		cfg.Vector.Table = "kotae_chunks"
	}
	if cfg.Vector.URL == "" {
		cfg.Vector.URL = "http://localhost:6333"
	}
	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = "kotae_chunks"
	}

	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1000
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 200
	}

	if cfg.OCR.Binary == "" {
		cfg.OCR.Binary = "tesseract"
	}
	if cfg.OCR.Languages == "" {
		cfg.OCR.Languages = "eng"
	}
	if cfg.OCR.Timeout == 0 {
		cfg.OCR.Timeout = 2 * time.Minute
	}
	if cfg.OCR.LowConfidence == 0 {
		cfg.OCR.LowConfidence = 0.6
	}

	if cfg.Processing.Workers == 0 {
		cfg.Processing.Workers = 2
	}
	if cfg.Processing.AttemptTimeout == 0 {
		cfg.Processing.AttemptTimeout = 30 * time.Minute
	}
	if cfg.Processing.IndexTimeout == 0 {
		cfg.Processing.IndexTimeout = time.Minute
	}
	if cfg.Processing.RollbackTimeout == 0 {
		cfg.Processing.RollbackTimeout = 30 * time.Second
	}
	if cfg.Processing.EmbedBatchSize == 0 {
		cfg.Processing.EmbedBatchSize = 64
	}

	if cfg.Query.DefaultTopK == 0 {
		cfg.Query.DefaultTopK = 10
	}
	if cfg.Query.MaxTopK == 0 {
		cfg.Query.MaxTopK = 50
	}
	if cfg.Query.ContextChars == 0 {
		cfg.Query.ContextChars = 12000
	}
	if cfg.Query.SnippetChars == 0 {
		cfg.Query.SnippetChars = 200
	}
	if cfg.Query.ThemesTopK == 0 {
		cfg.Query.ThemesTopK = 20
	}

	if cfg.Inbox.Extensions == nil {
		cfg.Inbox.Extensions = []string{".txt", ".md", ".html", ".pdf", ".docx", ".xlsx", ".pptx", ".odt", ".odp", ".ods", ".rtf"}
	}
	if cfg.Inbox.Debounce == 0 {
		cfg.Inbox.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Inbox.Directories) > 0 && cfg.Inbox.Recursive == nil {
		t := true
		cfg.Inbox.Recursive = &t
	}
}

func applyEmbeddingDefaults(e *EmbeddingConfig) {
	if e.Provider == "" {
		e.Provider = "mock"
	}
	if e.Model == "" {
		switch e.Provider {
		case "openai":
			e.Model = "text-embedding-3-small"
		case "gemini":
			e.Model = "text-embedding-004"
		case "ollama":
			e.Model = "nomic-embed-text"
		case "onnx":
			e.Model = "all-MiniLM-L6-v2"
		default:
			e.Model = "mock-embedding"
		}
	}
	if e.APIKeyEnv == "" {
		e.APIKeyEnv = providerKeyEnv(e.Provider)
	}
	if e.Dimensions == 0 {
		switch e.Provider {
		case "openai":
			e.Dimensions = 1536
		case "gemini", "ollama":
			e.Dimensions = 768
		default:
			e.Dimensions = 384
		}
	}
	if e.BatchSize == 0 {
		e.BatchSize = 64
	}
	if e.Timeout == 0 {
		e.Timeout = 60 * time.Second
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 5
	}
	if e.InitialBackoff == 0 {
		e.InitialBackoff = 200 * time.Millisecond
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = 10 * time.Second
	}
	if e.CacheSize == 0 {
		e.CacheSize = 10000
	}
	if e.MaxTokens == 0 {
		e.MaxTokens = 256
	}
}

func applyGenerationDefaults(g *GenerationConfig) {
	if g.Provider == "" {
		g.Provider = "mock"
	}
	if g.Model == "" {
		switch g.Provider {
		case "openai":
			g.Model = "gpt-4o-mini"
		case "groq":
			g.Model = "llama-3.3-70b-versatile"
		case "gemini":
			g.Model = "gemini-2.0-flash"
		case "ollama":
			g.Model = "llama3.2"
		default:
			g.Model = "mock-generator"
		}
	}
	if g.APIKeyEnv == "" {
		g.APIKeyEnv = providerKeyEnv(g.Provider)
	}
	if g.Timeout == 0 {
		g.Timeout = 90 * time.Second
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 1024
	}
	if g.Temperature == 0 {
		g.Temperature = 0.2
	}
	if g.SystemPrompt == "" {
		g.SystemPrompt = "Answer the question based on the context provided. Be precise and cite relevant information."
	}
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	}
	return ""
}
