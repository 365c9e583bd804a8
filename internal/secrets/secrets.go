// Package secrets resolves provider credentials from the environment, a JSON
// file or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Key names a credential.
type Key string

const (
	LLMAPIKey       Key = "llm_api_key"
	EmbeddingAPIKey Key = "embedding_api_key"
	PostgresDSN     Key = "postgres_dsn"
)

// ErrNotFound is returned when no provider has the secret.
var ErrNotFound = errors.New("secret not found")

// Provider is a read-only secret backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config selects the backend.
type Config struct {
	// Provider is "env" (default), "file" or "vault".
	Provider string
	File     *FileConfig
	Vault    *VaultConfig
	// EnvPrefix is prepended to upper-cased keys (default "PDFRAG_").
	EnvPrefix string
}

// DefaultConfig returns env-based configuration.
func DefaultConfig() *Config {
	return &Config{Provider: "env", EnvPrefix: "PDFRAG_"}
}

// Manager reads from the configured provider and falls back to the
// environment. Values are cached for the life of the Manager.
type Manager struct {
	primary  Provider
	fallback Provider

	mu    sync.RWMutex
	cache map[string]string
}

// NewManager creates a manager for cfg. A nil cfg uses DefaultConfig.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var primary Provider
	var err error
	switch cfg.Provider {
	case "vault":
		if cfg.Vault == nil {
			return nil, fmt.Errorf("vault config required for vault provider")
		}
		primary, err = NewVaultProvider(cfg.Vault)
	case "file":
		if cfg.File == nil {
			return nil, fmt.Errorf("file config required for file provider")
		}
		primary, err = NewFileProvider(cfg.File)
	case "env", "":
		primary = NewEnvProvider(cfg.EnvPrefix)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", cfg.Provider, err)
	}

	m := &Manager{primary: primary, cache: make(map[string]string)}
	if primary.Name() != "env" {
		m.fallback = NewEnvProvider(cfg.EnvPrefix)
	}
	return m, nil
}

// Name reports the primary provider.
func (m *Manager) Name() string { return m.primary.Name() }

// Get returns the secret for key from the primary provider, then the
// environment.
func (m *Manager) Get(ctx context.Context, key Key) (string, error) {
	k := string(key)

	m.mu.RLock()
	val, ok := m.cache[k]
	m.mu.RUnlock()
	if ok {
		return val, nil
	}

	for _, p := range []Provider{m.primary, m.fallback} {
		if p == nil {
			continue
		}
		val, err := p.Get(ctx, k)
		if err == nil && val != "" {
			m.mu.Lock()
			m.cache[k] = val
			m.mu.Unlock()
			return val, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, k)
}

// Fill sets *dst to the secret for key when *dst is empty. A missing secret
// leaves *dst unchanged and is not an error.
func (m *Manager) Fill(ctx context.Context, dst *string, key Key) error {
	if *dst != "" {
		return nil
	}
	val, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "PDFRAG_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

// Get tries PREFIX_KEY, then KEY.
func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
}
