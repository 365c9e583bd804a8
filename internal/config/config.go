// Package config loads pdfrag settings from an optional YAML file, a .env
// file and PDFRAG_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/llm"
	"github.com/efebarandurmaz/pdfrag/internal/secrets"
)

// Backends lists the supported vector store backends.
var Backends = []string{"memory", "sqlite", "qdrant", "pgvector"}

// Config holds all application configuration.
type Config struct {
	RAG       RAGConfig       `mapstructure:"rag"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type RAGConfig struct {
	ChunkSize     int `mapstructure:"chunk_size"`
	ChunkOverlap  int `mapstructure:"chunk_overlap"`
	SearchK       int `mapstructure:"search_k"`
	ContextBudget int `mapstructure:"context_budget"`
	ExcerptChars  int `mapstructure:"excerpt_chars"`
}

// LLMConfig configures the generation provider.
type LLMConfig struct {
	Provider          string  `mapstructure:"provider"`
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
}

// EmbeddingConfig configures the embedding provider. It is separate from
// LLMConfig so that any chat provider can be paired with an OpenAI-compatible
// embedding endpoint.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

type VectorConfig struct {
	Backend    string         `mapstructure:"backend"`
	Collection string         `mapstructure:"collection"`
	Qdrant     QdrantConfig   `mapstructure:"qdrant"`
	SQLite     SQLiteConfig   `mapstructure:"sqlite"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type QdrantConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

// AuditConfig enables the JSONL index audit log when Path is set. Path may
// also be "stdout" or "stderr".
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecretsConfig selects where credentials left empty by the file and the
// environment are looked up: "env", "file" (a JSON object) or "vault" (KV v2).
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"`
	File     string            `mapstructure:"file"`
	Vault    VaultSecretConfig `mapstructure:"vault"`
}

type VaultSecretConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rag.chunk_size", 500)
	v.SetDefault("rag.chunk_overlap", 50)
	v.SetDefault("rag.search_k", 3)
	v.SetDefault("rag.context_budget", 12000)
	v.SetDefault("rag.excerpt_chars", 200)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.tokens_per_minute", 0)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")

	v.SetDefault("vector.backend", "sqlite")
	v.SetDefault("vector.collection", "docs_pdf")
	v.SetDefault("vector.qdrant.host", "localhost")
	v.SetDefault("vector.qdrant.port", 6334)
	v.SetDefault("vector.sqlite.path", "pdfrag.db")
	v.SetDefault("vector.postgres.dsn", "")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.timeout", 60*time.Second)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("audit.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.file", "")
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.mount", "secret")
	v.SetDefault("secrets.vault.path", "pdfrag")
}

// Load reads configuration. An explicit path must exist; without one,
// pdfrag.yaml is looked up in the working directory and ./configs and is
// optional. Environment variables override file values.
func Load(path string) (*Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PDFRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config: %w", domain.ErrConfiguration, err)
		}
	} else {
		v.SetConfigName("pdfrag")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: reading config: %w", domain.ErrConfiguration, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling config: %w", domain.ErrConfiguration, err)
	}
	cfg.applyFallbacks(os.Getenv)

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}

// applyFallbacks fills credentials from the providers' conventional
// variables. The embedding provider inherits the chat provider's key and
// base URL when both name the same provider.
func (c *Config) applyFallbacks(getenv func(string) string) {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = providerKey(c.LLM.Provider, getenv)
	}
	if c.Embedding.Provider == c.LLM.Provider {
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = c.LLM.APIKey
		}
		if c.Embedding.BaseURL == "" {
			c.Embedding.BaseURL = c.LLM.BaseURL
		}
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = providerKey(c.Embedding.Provider, getenv)
	}
}

// ResolveSecrets fills the credentials the configuration still needs from
// the configured secrets backend. Only credentials that are both empty and
// required are looked up.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	m, err := secrets.NewManager(&secrets.Config{
		Provider: c.Secrets.Provider,
		File:     &secrets.FileConfig{Path: c.Secrets.File},
		Vault: &secrets.VaultConfig{
			Address:    c.Secrets.Vault.Address,
			Token:      c.Secrets.Vault.Token,
			MountPath:  c.Secrets.Vault.Mount,
			SecretPath: c.Secrets.Vault.Path,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: secrets: %w", domain.ErrConfiguration, err)
	}

	wanted := []struct {
		dst  *string
		key  secrets.Key
		need bool
	}{
		{&c.LLM.APIKey, secrets.LLMAPIKey, llm.NeedsAPIKey(c.LLM.Provider)},
		{&c.Embedding.APIKey, secrets.EmbeddingAPIKey, llm.NeedsAPIKey(c.Embedding.Provider)},
		{&c.Vector.Postgres.DSN, secrets.PostgresDSN, c.Vector.Backend == "pgvector"},
	}
	for _, w := range wanted {
		if !w.need {
			continue
		}
		if err := m.Fill(ctx, w.dst, w.key); err != nil {
			return fmt.Errorf("%w: resolving %s from %s: %w", domain.ErrConfiguration, w.key, m.Name(), err)
		}
	}
	if c.Embedding.Provider == c.LLM.Provider && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.APIKey
	}
	return nil
}

func providerKey(provider string, getenv func(string) string) string {
	switch provider {
	case "anthropic":
		return getenv("ANTHROPIC_API_KEY")
	case "openai":
		return getenv("OPENAI_API_KEY")
	}
	return ""
}

// Validate checks configuration for questionable values and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}

	if c.LLM.MaxTokens < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM max_tokens %d is negative", c.LLM.MaxTokens))
	}

	if c.RAG.ContextBudget > 0 && c.RAG.ChunkSize > c.RAG.ContextBudget {
		warnings = append(warnings, fmt.Sprintf("chunk_size %d exceeds context_budget %d; answers will use a truncated single chunk",
			c.RAG.ChunkSize, c.RAG.ContextBudget))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	if c.Embedding.Provider == "anthropic" {
		warnings = append(warnings, "embedding provider 'anthropic' does not support embeddings")
	}

	return warnings
}

// Check returns the problems that make the configuration unusable, joined
// and wrapped with domain.ErrConfiguration. It returns nil when the
// configuration can start.
func (c *Config) Check() error {
	var problems []string

	if c.RAG.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		problems = append(problems, fmt.Sprintf("rag.chunk_overlap must be in [0, chunk_size), got %d", c.RAG.ChunkOverlap))
	}
	if c.RAG.SearchK <= 0 {
		problems = append(problems, fmt.Sprintf("rag.search_k must be positive, got %d", c.RAG.SearchK))
	}

	if c.Vector.Collection == "" {
		problems = append(problems, "vector.collection is empty")
	}
	switch c.Vector.Backend {
	case "memory":
	case "sqlite":
		if c.Vector.SQLite.Path == "" {
			problems = append(problems, "vector.sqlite.path is required for the sqlite backend")
		}
	case "qdrant":
		if c.Vector.Qdrant.Host == "" || c.Vector.Qdrant.Port <= 0 {
			problems = append(problems, "vector.qdrant.host and vector.qdrant.port are required for the qdrant backend")
		}
	case "pgvector":
		if c.Vector.Postgres.DSN == "" {
			problems = append(problems, "vector.postgres.dsn is required for the pgvector backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown vector.backend %q, supported: %s",
			c.Vector.Backend, strings.Join(Backends, ", ")))
	}

	if c.Embedding.Provider == "" || c.Embedding.Provider == "none" {
		problems = append(problems, "embedding.provider is required")
	} else if llm.NeedsAPIKey(c.Embedding.Provider) && c.Embedding.APIKey == "" {
		problems = append(problems, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", c.Embedding.Provider))
	}
	if llm.NeedsAPIKey(c.LLM.Provider) && c.LLM.APIKey == "" {
		problems = append(problems, fmt.Sprintf("LLM provider '%s' is configured but api_key is empty", c.LLM.Provider))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
}
