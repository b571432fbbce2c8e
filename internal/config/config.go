// Package config provides configuration loading for reconmem.
//
// Values come from hardcoded defaults, an optional YAML file and
// RECONMEM_-prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete reconmem configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Memory      MemoryConfig      `koanf:"memory"`
	Archive     ArchiveConfig     `koanf:"archive"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generator   GeneratorConfig   `koanf:"generator"`
	Events      EventsConfig      `koanf:"events"`
	Knowledge   KnowledgeConfig   `koanf:"knowledge"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects the level and encoding of the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// MemoryConfig tunes the tiered conversation store and the workflows on top of it.
type MemoryConfig struct {
	// HotCapacity is K, the number of recent conversations kept per user.
	HotCapacity int `koanf:"hot_capacity"`

	// MaxActiveUsers bounds how many users have a resident hot ring.
	// Rings dropped from the cache are rebuilt from the archive on next use.
	MaxActiveUsers int `koanf:"max_active_users"`

	ContextLimit         int `koanf:"context_limit"`
	MinContextTurns      int `koanf:"min_context_turns"`
	HotConversations     int `koanf:"hot_conversations"`
	TurnsPerConversation int `koanf:"turns_per_conversation"`
	ColdPadLimit         int `koanf:"cold_pad_limit"`
	ExemplarK            int `koanf:"exemplar_k"`
	ImprovementThreshold int `koanf:"improvement_threshold"`
	ImprovementExemplars int `koanf:"improvement_exemplars"`

	// ArchiveTimeout caps every read against the cold archive.
	ArchiveTimeout Duration `koanf:"archive_timeout"`
}

// ArchiveConfig selects the relational store backing the cold archive.
type ArchiveConfig struct {
	Driver     string `koanf:"driver"`
	DSN        Secret `koanf:"dsn"`
	Collection string `koanf:"collection"`
}

// VectorStoreConfig selects the similarity index provider.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
}

// ChromemConfig holds settings for the embedded chromem-go index.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig holds settings for an external Qdrant index.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	VectorSize uint64 `koanf:"vector_size"`
	UseTLS     bool   `koanf:"use_tls"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// GeneratorConfig configures the OpenAI-compatible text generation endpoint.
type GeneratorConfig struct {
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Model       string   `koanf:"model"`
	Timeout     Duration `koanf:"timeout"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
	MaxRetries  int      `koanf:"max_retries"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float32  `koanf:"temperature"`
}

// KnowledgeConfig configures the reference document collection whose
// chunks become the Context block of chat prompts.
type KnowledgeConfig struct {
	Collection string `koanf:"collection"`
	// Path is the chromem directory for the collection, kept apart from
	// the conversation index.
	Path           string `koanf:"path"`
	TopK           int    `koanf:"top_k"`
	ChunkSentences int    `koanf:"chunk_sentences"`
	ChunkOverlap   int    `koanf:"chunk_overlap"`
}

// EventsConfig configures the optional NATS event stream.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	m := c.Memory
	if m.HotCapacity < 1 {
		return fmt.Errorf("memory.hot_capacity must be >= 1, got %d", m.HotCapacity)
	}
	if m.MaxActiveUsers < 1 {
		return fmt.Errorf("memory.max_active_users must be >= 1, got %d", m.MaxActiveUsers)
	}
	if m.ContextLimit < 1 || m.MinContextTurns > m.ContextLimit {
		return fmt.Errorf("memory.context_limit (%d) must be >= 1 and >= min_context_turns (%d)", m.ContextLimit, m.MinContextTurns)
	}
	if m.ImprovementThreshold < 1 || m.ImprovementThreshold > 5 {
		return fmt.Errorf("memory.improvement_threshold must be within 1-5, got %d", m.ImprovementThreshold)
	}
	if m.ArchiveTimeout.Duration() <= 0 {
		return errors.New("memory.archive_timeout must be positive")
	}

	switch c.Archive.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported archive driver: %q (supported: sqlite, postgres)", c.Archive.Driver)
	}
	if !c.Archive.DSN.IsSet() {
		return errors.New("archive.dsn is required")
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vectorstore provider: %q (supported: chromem, qdrant)", c.VectorStore.Provider)
	}

	switch c.Embeddings.Provider {
	case "tei", "fastembed", "openai":
	default:
		return fmt.Errorf("unsupported embeddings provider: %q (supported: tei, fastembed, openai)", c.Embeddings.Provider)
	}

	if c.Generator.Timeout.Duration() <= 0 {
		return errors.New("generator.timeout must be positive")
	}
	if c.Generator.RateLimit <= 0 {
		return errors.New("generator.rate_limit must be positive")
	}

	k := c.Knowledge
	if k.Collection == "" || k.Collection == c.Archive.Collection {
		return fmt.Errorf("knowledge.collection must be set and differ from archive.collection (%q)", c.Archive.Collection)
	}
	if k.TopK < 1 {
		return fmt.Errorf("knowledge.top_k must be >= 1, got %d", k.TopK)
	}
	if k.ChunkSentences < 1 || k.ChunkOverlap < 0 || k.ChunkOverlap >= k.ChunkSentences {
		return fmt.Errorf("knowledge.chunk_overlap (%d) must be >= 0 and below chunk_sentences (%d)", k.ChunkOverlap, k.ChunkSentences)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	m := &cfg.Memory
	if m.HotCapacity == 0 {
		m.HotCapacity = 3
	}
	if m.MaxActiveUsers == 0 {
		m.MaxActiveUsers = 10000
	}
	if m.ContextLimit == 0 {
		m.ContextLimit = 10
	}
	if m.MinContextTurns == 0 {
		m.MinContextTurns = 5
	}
	if m.HotConversations == 0 {
		m.HotConversations = 2
	}
	if m.TurnsPerConversation == 0 {
		m.TurnsPerConversation = 3
	}
	if m.ColdPadLimit == 0 {
		m.ColdPadLimit = 5
	}
	if m.ExemplarK == 0 {
		m.ExemplarK = 5
	}
	if m.ImprovementThreshold == 0 {
		m.ImprovementThreshold = 3
	}
	if m.ImprovementExemplars == 0 {
		m.ImprovementExemplars = 3
	}
	if m.ArchiveTimeout == 0 {
		m.ArchiveTimeout = Duration(2 * time.Second)
	}

	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "sqlite"
	}
	if cfg.Archive.DSN == "" {
		cfg.Archive.DSN = "~/.config/reconmem/archive.db"
	}
	if cfg.Archive.Collection == "" {
		cfg.Archive.Collection = "reconmem_conversations"
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.config/reconmem/vectorstore"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 384 // bge-small-en-v1.5
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	g := &cfg.Generator
	if g.BaseURL == "" {
		g.BaseURL = "https://api.openai.com/v1"
	}
	if g.Model == "" {
		g.Model = "gpt-4o-mini"
	}
	if g.Timeout == 0 {
		g.Timeout = Duration(60 * time.Second)
	}
	if g.RateLimit == 0 {
		g.RateLimit = 2
	}
	if g.Burst == 0 {
		g.Burst = 4
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 1024
	}
	if g.Temperature == 0 {
		g.Temperature = 0.2
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "reconmem"
	}

	k := &cfg.Knowledge
	if k.Collection == "" {
		k.Collection = "reconmem_knowledge"
	}
	if k.Path == "" {
		k.Path = "~/.config/reconmem/knowledge"
	}
	if k.TopK == 0 {
		k.TopK = 3
	}
	if k.ChunkSentences == 0 {
		k.ChunkSentences = 4
	}
	if k.ChunkOverlap == 0 {
		k.ChunkOverlap = 2
	}
}
