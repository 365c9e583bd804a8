// Package retrieval answers questions from indexed documents: it embeds the
// query, fetches the most similar chunks, fits them into a context budget
// and asks the language model to answer from that context alone.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/llm"
	"github.com/efebarandurmaz/pdfrag/internal/metrics"
	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

// SystemPrompt instructs the model to stay within the retrieved context.
const SystemPrompt = "Answer the question using only the provided context. " +
	"If the context is insufficient to answer, say so and state what is missing."

// Embedder embeds the query.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces the answer.
type Generator interface {
	Complete(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (*llm.Response, error)
}

// Config tunes retrieval and answering.
type Config struct {
	DefaultK      int     // results per query when none is given
	ContextBudget int     // max characters of chunk text sent to the model; <= 0 is unlimited
	ExcerptChars  int     // length of source excerpts
	Temperature   float64 // generation temperature
	MaxTokens     int     // generation token cap; 0 leaves it to the provider
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		DefaultK:      3,
		ContextBudget: 12000,
		ExcerptChars:  200,
		Temperature:   0.1,
	}
}

// Source is one chunk that was sent to the model.
type Source struct {
	Source  string `json:"source"`
	Page    int    `json:"page"`
	Excerpt string `json:"excerpt"`
}

// Answer is the model's reply and what it was built from.
type Answer struct {
	Text    string       `json:"answer"`
	Sources []Source     `json:"sources,omitempty"`
	Used    int          `json:"used"`
	Dropped int          `json:"dropped"`
	Metrics *metrics.Run `json:"-"`
}

// Retriever runs searches and answers questions against one store.
type Retriever struct {
	embedder  Embedder
	generator Generator
	store     vector.Store
	cfg       Config

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New builds a Retriever. generator may be nil when only Search is used.
func New(embedder Embedder, generator Generator, store vector.Store, cfg Config, opts ...Option) *Retriever {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultConfig().DefaultK
	}
	r := &Retriever{
		embedder:  embedder,
		generator: generator,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns at most k chunks most similar to query, in the store's
// order. k <= 0 selects the configured default.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]vector.Result, error) {
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	ctx, span := observability.StartSearchSpan(ctx, k)
	defer span.End()

	start := time.Now()
	results, err := r.search(ctx, query, k)
	observability.RecordError(span, err)
	if r.metrics != nil {
		r.metrics.RecordSearch(time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Debug("search complete", "k", k, "results", len(results))
	return results, nil
}

func (r *Retriever) search(ctx context.Context, query string, k int) ([]vector.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrRetrieval)
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("%w: got %d vectors for one query", domain.ErrEmbeddingService, len(vecs))
	}
	if err != nil {
		if !errors.Is(err, domain.ErrEmbeddingService) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingService, err)
		}
		return nil, fmt.Errorf("%w: embedding query: %w", domain.ErrRetrieval, err)
	}

	results, err := r.store.Search(ctx, vecs[0], k, vector.Filter{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRetrieval, err)
	}
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []vector.Result{}
	}
	return results, nil
}

// Answer answers query from the top DefaultK chunks. Sources are filled
// only when showSources is set. No partial answer is returned on error.
func (r *Retriever) Answer(ctx context.Context, query string, showSources bool) (Answer, error) {
	ctx, span := observability.StartAnswerSpan(ctx)
	defer span.End()

	run := metrics.New("chat", "")
	ans, contextChars, err := r.answer(ctx, run, query, showSources)
	run.Finish()

	observability.RecordError(span, err)
	if r.metrics != nil {
		r.metrics.RecordAnswer(run.Duration, ans.Dropped, contextChars, err)
	}
	if err != nil {
		r.logger.Error("answer failed", "error", err)
		return Answer{Metrics: run}, err
	}
	observability.RecordAnswerResult(span, ans.Used, ans.Dropped, contextChars)
	run.Counts.Results = ans.Used + ans.Dropped
	run.Counts.Chunks = ans.Used
	run.Counts.Dropped = ans.Dropped
	ans.Metrics = run
	return ans, nil
}

func (r *Retriever) answer(ctx context.Context, run *metrics.Run, query string, showSources bool) (Answer, int, error) {
	if r.generator == nil {
		return Answer{}, 0, fmt.Errorf("%w: no language model configured", domain.ErrConfiguration)
	}

	done := run.StartStage("retrieve")
	results, err := r.Search(ctx, query, r.cfg.DefaultK)
	done(len(results), err)
	if err != nil {
		return Answer{}, 0, err
	}

	used, dropped := FitBudget(results, r.cfg.ContextBudget)
	block := ContextBlock(used)
	if dropped > 0 {
		r.logger.Debug("context budget exceeded", "budget", r.cfg.ContextBudget, "used", len(used), "dropped", dropped)
	}

	opts := &llm.RequestOptions{Temperature: llm.Float64(r.cfg.Temperature)}
	if r.cfg.MaxTokens > 0 {
		opts.MaxTokens = llm.Int(r.cfg.MaxTokens)
	}

	done = run.StartStage("generate")
	resp, err := r.generator.Complete(ctx, llm.NewPrompt(SystemPrompt, UserMessage(block, query)), opts)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		if !errors.Is(err, domain.ErrGenerationService) {
			err = fmt.Errorf("%w: %w", domain.ErrGenerationService, err)
		}
		err = fmt.Errorf("%w: %w", domain.ErrGeneration, err)
	}
	done(len(used), err)
	if err != nil {
		return Answer{Dropped: dropped}, 0, err
	}

	ans := Answer{
		Text:    resp.Text(),
		Used:    len(used),
		Dropped: dropped,
	}
	if showSources {
		ans.Sources = make([]Source, 0, len(used))
		for _, res := range used {
			ans.Sources = append(ans.Sources, Source{
				Source:  res.Metadata.Source,
				Page:    res.Metadata.Page,
				Excerpt: Excerpt(res.Text, r.cfg.ExcerptChars),
			})
		}
	}
	return ans, utf8.RuneCountInString(block), nil
}

// FitBudget keeps results in order while their combined text fits within
// budget characters. The first result that does not fit and every one after
// it are dropped. A top result larger than the whole budget is cut to the
// budget so that some context is always sent.
func FitBudget(results []vector.Result, budget int) (used []vector.Result, dropped int) {
	if budget <= 0 {
		return results, 0
	}
	total := 0
	for i, res := range results {
		n := utf8.RuneCountInString(res.Text)
		if total+n <= budget {
			used = append(used, res)
			total += n
			continue
		}
		if i == 0 {
			cut := res
			cut.Text = truncateRunes(res.Text, budget)
			used = append(used, cut)
			return used, len(results) - 1
		}
		return used, len(results) - i
	}
	return used, 0
}

// ContextBlock numbers chunks from [1] and tags each with its source and page.
func ContextBlock(results []vector.Result) string {
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (source: %s, page %d)\n%s", i+1, res.Metadata.Source, res.Metadata.Page, res.Text)
	}
	return b.String()
}

// UserMessage combines the context block and the question.
func UserMessage(contextBlock, query string) string {
	return "Context:\n" + contextBlock + "\n\nQuestion: " + query
}

// Excerpt collapses whitespace in text and cuts it to n runes, appending an
// ellipsis when anything was cut.
func Excerpt(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(flat) <= n {
		return flat
	}
	return truncateRunes(flat, n) + "…"
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
