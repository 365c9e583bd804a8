package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures rate limiting for LLM providers.
type RateLimitConfig struct {
	// RequestsPerMinute limits the number of API calls per minute (0 = unlimited)
	RequestsPerMinute int
	// TokensPerMinute limits total tokens per minute (0 = unlimited)
	TokensPerMinute int
	// BurstSize allows temporary burst above the request rate
	BurstSize int
}

// DefaultRateLimitConfig returns limits that fit free-tier cloud APIs.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 25,
		TokensPerMinute:   25000,
		BurstSize:         3,
	}
}

// RateLimitProvider wraps a provider with a request-rate limiter and a
// token-budget limiter. Token usage is charged after each call, so a large
// response delays the calls that follow it.
type RateLimitProvider struct {
	inner    Provider
	config   *RateLimitConfig
	requests *rate.Limiter
	tokens   *rate.Limiter // nil when unlimited

	mu            sync.Mutex
	requestCount  int
	tokenCount    int
	windowStarted time.Time
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	requests := rate.NewLimiter(rate.Inf, burst)
	if config.RequestsPerMinute > 0 {
		requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), burst)
	}

	var tokens *rate.Limiter
	if config.TokensPerMinute > 0 {
		tokens = rate.NewLimiter(rate.Limit(float64(config.TokensPerMinute)/60), config.TokensPerMinute)
	}

	return &RateLimitProvider{
		inner:         inner,
		config:        config,
		requests:      requests,
		tokens:        tokens,
		windowStarted: time.Now(),
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Complete rate-limits and delegates to the inner provider.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}

	resp, err := r.inner.Complete(ctx, prompt, opts)
	if err == nil && resp != nil {
		used := resp.InputTokens + resp.OutputTokens
		if used == 0 {
			used = EstimateTokens(prompt.Text(), resp.Content)
		}
		r.charge(used)
	}
	return resp, err
}

// Embed rate-limits and delegates to the inner provider. Embedding input is
// charged against the token budget by estimate.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}

	vecs, err := r.inner.Embed(ctx, texts)
	if err == nil {
		r.charge(EstimateTokens(texts...))
	}
	return vecs, err
}

// waitForCapacity blocks until a request slot is free and the token budget
// is not in debt.
func (r *RateLimitProvider) waitForCapacity(ctx context.Context) error {
	if err := r.requests.Wait(ctx); err != nil {
		return err
	}
	if r.tokens != nil {
		if err := r.tokens.WaitN(ctx, 1); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.rollWindow()
	r.requestCount++
	r.mu.Unlock()
	return nil
}

func (r *RateLimitProvider) charge(used int) {
	if used <= 0 {
		return
	}
	if r.tokens != nil {
		n := used
		if n > r.tokens.Burst() {
			n = r.tokens.Burst()
		}
		r.tokens.ReserveN(time.Now(), n)
	}

	r.mu.Lock()
	r.rollWindow()
	r.tokenCount += used
	r.mu.Unlock()
}

// rollWindow resets the per-minute counters. Callers hold r.mu.
func (r *RateLimitProvider) rollWindow() {
	if time.Since(r.windowStarted) >= time.Minute {
		r.windowStarted = time.Now()
		r.requestCount = 0
		r.tokenCount = 0
	}
}

// Stats returns current rate limiting statistics.
func (r *RateLimitProvider) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RateLimitStats{
		RequestsInWindow:  r.requestCount,
		TokensInWindow:    r.tokenCount,
		RemainingRequests: -1,
		RemainingTokens:   -1,
		WindowStart:       r.windowStarted,
	}
	if r.config.RequestsPerMinute > 0 {
		stats.RemainingRequests = int(r.requests.Tokens())
	}
	if r.tokens != nil {
		stats.RemainingTokens = int(r.tokens.Tokens())
	}
	return stats
}

// RateLimitStats contains rate limiting statistics. Remaining values are -1
// when the corresponding limit is off.
type RateLimitStats struct {
	RequestsInWindow  int
	TokensInWindow    int
	RemainingRequests int
	RemainingTokens   int
	WindowStart       time.Time
}

// RateLimitStatsOf returns the stats of the first RateLimitProvider found
// by unwrapping p. ok is false when p is not rate limited.
func RateLimitStatsOf(p Provider) (stats RateLimitStats, ok bool) {
	for p != nil {
		if rl, isRL := p.(*RateLimitProvider); isRL {
			return rl.Stats(), true
		}
		w, isWrapper := p.(interface{ Unwrap() Provider })
		if !isWrapper {
			break
		}
		p = w.Unwrap()
	}
	return RateLimitStats{}, false
}

// Unwrap returns the wrapped provider.
func (r *RateLimitProvider) Unwrap() Provider { return r.inner }

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
