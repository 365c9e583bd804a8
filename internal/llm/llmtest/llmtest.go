// Package llmtest provides deterministic llm collaborators for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/efebarandurmaz/pdfrag/internal/llm"
)

// KeywordEmbedder embeds text as keyword counts over a fixed vocabulary,
// plus a constant bias dimension so that text with no keywords still has a
// non-zero vector. Two texts that mention the same keywords equally often
// get identical vectors.
type KeywordEmbedder struct {
	Vocabulary []string
	// Err, when set, is returned by every call.
	Err error
	// Short drops the last vector of every batch.
	Short bool

	mu     sync.Mutex
	calls  int
	inputs []string
}

// NewKeywordEmbedder returns an embedder over vocab.
func NewKeywordEmbedder(vocab ...string) *KeywordEmbedder {
	return &KeywordEmbedder{Vocabulary: vocab}
}

func (e *KeywordEmbedder) Name() string { return "keyword" }

// Dimension is the length of every vector this embedder returns.
func (e *KeywordEmbedder) Dimension() int { return len(e.Vocabulary) + 1 }

// Embed implements llm.Embedder.
func (e *KeywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, texts...)
	e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, e.vector(t))
	}
	if e.Short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (e *KeywordEmbedder) vector(text string) []float32 {
	v := make([]float32, e.Dimension())
	v[0] = 1
	lower := strings.ToLower(text)
	for i, kw := range e.Vocabulary {
		v[i+1] = float32(strings.Count(lower, strings.ToLower(kw)))
	}
	return v
}

// Calls returns how many times Embed was called.
func (e *KeywordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Inputs returns every text passed to Embed, in call order.
func (e *KeywordEmbedder) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

// Generator replays scripted completions and records the prompts it saw.
type Generator struct {
	// Reply is returned when Replies is exhausted.
	Reply   string
	Replies []string
	Err     error

	mu      sync.Mutex
	prompts []*llm.Prompt
	opts    []*llm.RequestOptions
}

func (g *Generator) Name() string { return "scripted" }

// Complete implements llm.Generator.
func (g *Generator) Complete(_ context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	g.opts = append(g.opts, opts)
	if g.Err != nil {
		return nil, g.Err
	}
	content := g.Reply
	if len(g.Replies) > 0 {
		content = g.Replies[0]
		g.Replies = g.Replies[1:]
	}
	return &llm.Response{Content: content, Model: "scripted"}, nil
}

// Prompts returns the prompts passed to Complete.
func (g *Generator) Prompts() []*llm.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*llm.Prompt(nil), g.prompts...)
}

// LastOptions returns the options of the most recent call, or nil.
func (g *Generator) LastOptions() *llm.RequestOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.opts) == 0 {
		return nil
	}
	return g.opts[len(g.opts)-1]
}

var (
	_ llm.Embedder  = (*KeywordEmbedder)(nil)
	_ llm.Generator = (*Generator)(nil)
)
