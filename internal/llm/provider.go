// Package llm defines the embedding and chat-completion collaborators used by
// the indexing and answering pipeline, plus wrappers that add retry and rate
// limiting around any backend.
package llm

import "context"

// Embedder turns texts into vectors.
type Embedder interface {
	// Embed returns one embedding vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces completions.
type Generator interface {
	// Complete sends a prompt and returns a completion.
	Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error)
}

// Provider is the interface all LLM backends must implement. Embedding and
// generation may be served by different providers.
type Provider interface {
	Embedder
	Generator
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// RequestOptions tunes a single completion call. Nil fields use the
// backend's defaults.
type RequestOptions struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	StopSeqs    []string
}

// Float64 returns a pointer to v, for RequestOptions fields.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v, for RequestOptions fields.
func Int(v int) *int { return &v }
