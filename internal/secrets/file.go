package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileConfig configures the file provider. The file is a flat JSON object
// of key to value and is meant for local development.
type FileConfig struct {
	Path string
}

// FileProvider reads secrets from a JSON file loaded once at construction.
type FileProvider struct {
	data map[string]string
}

// NewFileProvider loads the secrets file. A missing file yields an empty
// provider.
func NewFileProvider(config *FileConfig) (*FileProvider, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("file path required")
	}

	p := &FileProvider{data: make(map[string]string)}
	raw, err := os.ReadFile(config.Path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", config.Path, err)
	}
	return p, nil
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}
