package llm

import (
	"context"
	"time"

	"github.com/efebarandurmaz/pdfrag/internal/retry"
)

// RetryProvider wraps a Provider with per-attempt timeouts and bounded
// exponential backoff.
type RetryProvider struct {
	inner  Provider
	config retry.Config
}

// NewRetryProvider wraps an existing provider with retry logic. A nil config
// uses retry.DefaultConfig.
func NewRetryProvider(inner Provider, config *retry.Config) *RetryProvider {
	cfg := retry.DefaultConfig()
	if config != nil {
		cfg = *config
	}
	return &RetryProvider{
		inner:  inner,
		config: cfg,
	}
}

// Name returns the underlying provider name.
func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

// Unwrap returns the wrapped provider.
func (r *RetryProvider) Unwrap() Provider { return r.inner }

// Complete sends a prompt with timeout and retry logic.
func (r *RetryProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	return retry.Do(ctx, r.config, func(ctx context.Context) (*Response, error) {
		return r.inner.Complete(ctx, prompt, opts)
	})
}

// Embed sends an embedding request with timeout and retry logic.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retry.Do(ctx, r.config, func(ctx context.Context) ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

// WrapWithRetry wraps provider with the retry settings of cfg, filling
// unset values from retry.DefaultConfig.
func WrapWithRetry(provider Provider, cfg ProviderConfig) Provider {
	if provider == nil {
		return nil
	}

	rc := retry.DefaultConfig()
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 || cfg.Timeout > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
	}
	if cfg.MaxDelay > 0 {
		rc.MaxDelay = cfg.MaxDelay
	} else if rc.MaxDelay < rc.InitialDelay {
		rc.MaxDelay = 30 * time.Second
	}

	return NewRetryProvider(provider, &rc)
}
