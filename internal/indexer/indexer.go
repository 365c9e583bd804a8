// Package indexer loads documents, chunks them, embeds the chunks and writes
// them to the vector store, skipping documents that are already indexed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efebarandurmaz/pdfrag/internal/chunker"
	"github.com/efebarandurmaz/pdfrag/internal/document"
	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/metrics"
	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

// Embedder turns chunk texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result reports one Index call.
type Result struct {
	Source   string       `json:"source"`
	Chunks   int          `json:"chunks"`
	Pages    int          `json:"pages,omitempty"`
	Skipped  bool         `json:"skipped"`
	Replaced int          `json:"replaced,omitempty"`
	Metrics  *metrics.Run `json:"metrics,omitempty"`
}

// Indexer writes documents into one collection.
type Indexer struct {
	loader     document.Loader
	chunker    *chunker.Chunker
	embedder   Embedder
	store      vector.Store
	collection string

	logger  *slog.Logger
	metrics *observability.Metrics
	audit   *observability.AuditLogger

	locks sync.Map // source -> *sync.Mutex
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// WithMetrics records counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithAudit records index mutations on a.
func WithAudit(a *observability.AuditLogger) Option {
	return func(ix *Indexer) { ix.audit = a }
}

// New builds an Indexer. collection names the store's collection and is
// part of every record ID.
func New(loader document.Loader, ch *chunker.Chunker, embedder Embedder, store vector.Store, collection string, opts ...Option) *Indexer {
	ix := &Indexer{
		loader:     loader,
		chunker:    ch,
		embedder:   embedder,
		store:      store,
		collection: collection,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// lock serializes work on one source within this process.
func (ix *Indexer) lock(source string) func() {
	v, _ := ix.locks.LoadOrStore(source, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Index indexes the document at id. An already indexed document is skipped
// unless force is set, in which case its records are deleted once the
// replacement chunks are embedded and before they are added. On failure the
// returned Result reports zero chunks.
func (ix *Indexer) Index(ctx context.Context, id string, force bool) (Result, error) {
	unlock := ix.lock(id)
	defer unlock()

	ctx, span := observability.StartIndexSpan(ctx, id, force)
	defer span.End()

	run := metrics.New("index", id)
	res, stage, err := ix.index(ctx, run, id, force)
	run.Counts.Pages = res.Pages
	run.Counts.Chunks = res.Chunks
	run.Counts.Replaced = res.Replaced
	run.Finish()
	res.Metrics = run

	observability.RecordIndexResult(span, res.Pages, res.Chunks, res.Replaced, res.Skipped)
	observability.RecordError(span, err)
	if ix.metrics != nil {
		ix.metrics.RecordIndex(run.Duration, res.Chunks, res.Replaced, res.Skipped, err)
	}

	if err != nil {
		ix.logger.Error("index failed", "source", id, "stage", stage, "error", err)
		ix.audit.LogIndexError(id, stage, err)
		return Result{Source: id, Replaced: res.Replaced, Metrics: run}, err
	}

	if res.Skipped {
		ix.logger.Info("document already indexed", "source", id, "chunks", res.Chunks)
		ix.audit.LogIndexSkip(id, res.Chunks)
	} else {
		ix.logger.Info("document indexed", "source", id, "pages", res.Pages,
			"chunks", res.Chunks, "replaced", res.Replaced, "duration", run.Duration)
		ix.audit.LogIndexWrite(id, res.Pages, res.Chunks, run.Duration)
	}
	return res, nil
}

// index does the work of Index and names the stage that failed.
func (ix *Indexer) index(ctx context.Context, run *metrics.Run, id string, force bool) (Result, string, error) {
	res := Result{Source: id}

	if err := ix.loader.Stat(id); err != nil {
		return res, "stat", err
	}

	existing, err := ix.store.Count(ctx, vector.Filter{Source: id})
	if err != nil {
		return res, "count", err
	}
	if existing > 0 && !force {
		res.Chunks = existing
		res.Skipped = true
		return res, "", nil
	}

	// The replacement is loaded and embedded before the old records go, so
	// a failing embedding service leaves the previous index intact.
	done := run.StartStage("load")
	doc, err := ix.loader.Load(ctx, id)
	done(len(doc.Pages), err)
	if err != nil {
		return res, "load", err
	}
	res.Pages = len(doc.Pages)

	done = run.StartStage("chunk")
	chunks := ix.chunker.Chunk(doc)
	done(len(chunks), nil)

	var records []vector.Record
	if len(chunks) > 0 {
		records, err = ix.embed(ctx, run, chunks)
		if err != nil {
			return res, "embed", err
		}
	}

	if existing > 0 {
		done := run.StartStage("delete")
		err := ix.store.Delete(ctx, vector.Filter{Source: id})
		done(existing, err)
		if err != nil {
			return res, "delete", fmt.Errorf("removing previous records of %s: %w", id, err)
		}
		res.Replaced = existing
		ix.audit.LogIndexReplace(id, existing)
	}

	if len(records) == 0 {
		ix.logger.Warn("document has no extractable text", "source", id, "pages", res.Pages)
		return res, "", nil
	}

	done = run.StartStage("store")
	err = ix.store.Add(ctx, records)
	done(len(records), err)
	if err != nil {
		ix.rollback(id)
		return res, "store", err
	}

	res.Chunks = len(records)
	return res, "", nil
}

// embed makes one batch call for chunks and pairs each vector with its
// chunk.
func (ix *Indexer) embed(ctx context.Context, run *metrics.Run, chunks []domain.Chunk) ([]vector.Record, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	done := run.StartStage("embed")
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(chunks) {
		err = fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrEmbeddingService, len(vectors), len(chunks))
	}
	if err != nil && !errors.Is(err, domain.ErrEmbeddingService) {
		err = fmt.Errorf("%w: %w", domain.ErrEmbeddingService, err)
	}
	done(len(vectors), err)
	if err != nil {
		return nil, err
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:     vector.RecordID(ix.collection, c.Source, c.Page, c.Position),
			Text:   c.Text,
			Vector: vectors[i],
			Metadata: vector.Metadata{
				Source:   c.Source,
				Page:     c.Page,
				Position: c.Position,
			},
		}
	}
	return records, nil
}

// rollback deletes whatever a failed Add left behind. It runs detached from
// the caller's context so that a cancelled index still cleans up.
func (ix *Indexer) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ix.store.Delete(ctx, vector.Filter{Source: id}); err != nil {
		ix.logger.Warn("rollback after failed add did not complete", "source", id, "error", err)
	}
}

// Remove deletes every record of source and returns how many there were.
func (ix *Indexer) Remove(ctx context.Context, source string) (int, error) {
	unlock := ix.lock(source)
	defer unlock()

	n, err := ix.store.Count(ctx, vector.Filter{Source: source})
	if err != nil {
		ix.audit.LogIndexError(source, "count", err)
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := ix.store.Delete(ctx, vector.Filter{Source: source}); err != nil {
		ix.audit.LogIndexError(source, "delete", err)
		return 0, err
	}

	ix.logger.Info("document removed", "source", source, "chunks", n)
	ix.audit.LogIndexRemove(source, n)
	if ix.metrics != nil {
		ix.metrics.RecordRemove(n)
	}
	return n, nil
}

// Status returns the number of records indexed for source.
func (ix *Indexer) Status(ctx context.Context, source string) (int, error) {
	return ix.store.Count(ctx, vector.Filter{Source: source})
}
