package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProviderConfig holds all configuration needed to create any LLM provider.
type ProviderConfig struct {
	Provider   string // a KnownProviders key, "custom" or "none"
	APIKey     string
	Model      string
	BaseURL    string // Override for self-hosted / custom endpoints
	EmbedModel string // Embedding model (OpenAI-compatible providers only)

	// Timeout and retry configuration
	Timeout    time.Duration // Per-request timeout (default: 2 minutes)
	MaxRetries int           // Max retry attempts (default: 3)
	RetryDelay time.Duration // Initial retry delay for exponential backoff (default: 1s)
	MaxDelay   time.Duration // Cap on the delay between retries (default: 30s)

	// Client-side rate limits (0 = unlimited)
	RequestsPerMinute int
	TokensPerMinute   int
}

// ProviderFactory creates Provider instances from config.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

// ProviderConstructor builds a Provider from config.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// NewFactory creates an empty factory. See llmutil.RegisterDefaultProviders
// for the built-in backends.
func NewFactory() *ProviderFactory {
	return &ProviderFactory{
		constructors: make(map[string]ProviderConstructor),
	}
}

// Register adds a provider constructor under the given name.
func (f *ProviderFactory) Register(name string, ctor ProviderConstructor) {
	f.constructors[name] = ctor
}

// Has reports whether a constructor is registered under name.
func (f *ProviderFactory) Has(name string) bool {
	_, ok := f.constructors[name]
	return ok
}

// Create builds a Provider from config. Returns nil (no error) when provider is
// empty or "none", allowing LLM-free operation.
//
// The returned provider is rate limited when limits are configured, and the
// rate-limited provider is wrapped with retry logic so that every retry
// attempt also waits for capacity.
func (f *ProviderFactory) Create(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return nil, nil
	}

	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q, registered: %s", cfg.Provider, strings.Join(f.Names(), ", "))
	}

	provider, err := ctor(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerMinute > 0 || cfg.TokensPerMinute > 0 {
		provider = WithRateLimit(provider, &RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			TokensPerMinute:   cfg.TokensPerMinute,
			BurstSize:         DefaultRateLimitConfig().BurstSize,
		})
	}

	// Wrap with retry logic if timeout or retries are configured
	if cfg.Timeout > 0 || cfg.MaxRetries > 0 {
		return WrapWithRetry(provider, cfg), nil
	}

	return provider, nil
}

// Names returns the registered provider names, sorted.
func (f *ProviderFactory) Names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NeedsAPIKey reports whether the named provider authenticates with an API
// key. Local and self-hosted endpoints do not.
func NeedsAPIKey(provider string) bool {
	switch provider {
	case "", "none", "ollama", "custom":
		return false
	}
	return true
}

// KnownProviders maps each built-in preset to its default base URL. Any
// other OpenAI-compatible endpoint is reachable as "custom" with base_url set.
var KnownProviders = map[string]string{
	"anthropic":   "https://api.anthropic.com/v1",
	"openai":      "https://api.openai.com/v1",
	"groq":        "https://api.groq.com/openai/v1",
	"huggingface": "https://api-inference.huggingface.co/v1",
	"ollama":      "http://localhost:11434/v1",
	"together":    "https://api.together.xyz/v1",
	"deepseek":    "https://api.deepseek.com/v1",
}
