package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VaultConfig configures the HashiCorp Vault provider.
type VaultConfig struct {
	// Address is the Vault server address, e.g. "http://localhost:8200".
	Address string
	Token   string
	// MountPath is the KV v2 mount (default "secret").
	MountPath string
	// SecretPath is the path under the mount (default "pdfrag").
	SecretPath string
	Timeout    time.Duration
}

// VaultProvider reads secrets from one KV v2 path. The path is fetched on
// first use and kept.
type VaultProvider struct {
	config *VaultConfig
	client *http.Client

	once sync.Once
	data map[string]any
	err  error
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(config *VaultConfig) (*VaultProvider, error) {
	if config == nil || config.Address == "" {
		return nil, fmt.Errorf("vault address required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("vault token required")
	}
	c := *config
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	if c.SecretPath == "" {
		c.SecretPath = "pdfrag"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}

	return &VaultProvider{
		config: &c,
		client: &http.Client{Timeout: c.Timeout},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	p.once.Do(func() { p.data, p.err = p.fetch(ctx) })
	if p.err != nil {
		return "", p.err
	}

	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s in vault", ErrNotFound, key)
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", val), nil
}

func (p *VaultProvider) fetch(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s",
		strings.TrimSuffix(p.config.Address, "/"),
		p.config.MountPath,
		p.config.SecretPath,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.config.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return map[string]any{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vault error %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Data.Data == nil {
		return map[string]any{}, nil
	}
	return result.Data.Data, nil
}
