package llm

import (
	"context"
	"time"

	"github.com/efebarandurmaz/pdfrag/internal/observability"
)

// TracedProvider records a span and metrics for every call to inner. It is
// the outermost wrapper, so one span covers all retry attempts.
type TracedProvider struct {
	inner   Provider
	model   string
	metrics *observability.Metrics
}

// WithTracing wraps p. metrics may be nil.
func WithTracing(p Provider, model string, metrics *observability.Metrics) Provider {
	if p == nil {
		return nil
	}
	return &TracedProvider{inner: p, model: model, metrics: metrics}
}

// Name returns the underlying provider name.
func (t *TracedProvider) Name() string {
	return t.inner.Name()
}

// Unwrap returns the wrapped provider.
func (t *TracedProvider) Unwrap() Provider { return t.inner }

// Complete implements Generator.
func (t *TracedProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	ctx, span := observability.StartLLMSpan(ctx, t.inner.Name(), t.model)
	defer span.End()

	start := time.Now()
	resp, err := t.inner.Complete(ctx, prompt, opts)
	elapsed := time.Since(start)

	tokens := 0
	if resp != nil {
		observability.RecordLLMMetrics(span, resp.InputTokens, resp.OutputTokens, elapsed)
		tokens = resp.InputTokens + resp.OutputTokens
	}
	observability.RecordError(span, err)
	if t.metrics != nil {
		t.metrics.RecordLLMRequest(elapsed, tokens, err)
	}
	return resp, err
}

// Embed implements Embedder.
func (t *TracedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, t.inner.Name(), len(texts))
	defer span.End()

	vecs, err := t.inner.Embed(ctx, texts)
	observability.RecordError(span, err)
	if t.metrics != nil {
		t.metrics.RecordEmbed(err)
	}
	return vecs, err
}
