package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/chunker"
	"github.com/efebarandurmaz/pdfrag/internal/document"
	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/llm/llmtest"
	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
	"github.com/efebarandurmaz/pdfrag/internal/vector/memory"
)

const testCollection = "docs_pdf"

func threePageDoc(id string) domain.Document {
	return domain.Document{
		ID: id,
		Pages: []domain.Page{
			{Number: 1, Text: "Apples grow in orchards. They are harvested in autumn."},
			{Number: 2, Text: "The zebra is a striped animal that lives on the savanna."},
			{Number: 3, Text: "Pears ripen after picking and bruise easily."},
		},
	}
}

type fixture struct {
	loader   *fakeLoader
	embedder *llmtest.KeywordEmbedder
	store    *spyStore
	audit    *bytes.Buffer
	metrics  *observability.Metrics
	ix       *Indexer
}

func newFixture(t *testing.T, docs ...domain.Document) *fixture {
	t.Helper()
	ch, err := chunker.New(chunker.WithChunkSize(60), chunker.WithOverlap(10))
	require.NoError(t, err)

	f := &fixture{
		loader:   newFakeLoader(docs...),
		embedder: llmtest.NewKeywordEmbedder("apple", "zebra", "pear"),
		store:    &spyStore{Store: memory.New(testCollection, "keyword")},
		audit:    &bytes.Buffer{},
		metrics:  observability.NewMetrics(),
	}
	f.ix = New(f.loader, ch, f.embedder, f.store, testCollection,
		WithAudit(observability.NewAuditWriter(f.audit, "test", testCollection)),
		WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) auditTypes() []string {
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(f.audit.String()), "\n") {
		if i := strings.Index(line, `"event_type":"`); i >= 0 {
			rest := line[i+len(`"event_type":"`):]
			types = append(types, rest[:strings.Index(rest, `"`)])
		}
	}
	return types
}

func TestIndex_WritesChunks(t *testing.T) {
	f := newFixture(t, threePageDoc("docs/animals.pdf"))

	res, err := f.ix.Index(context.Background(), "docs/animals.pdf", false)
	require.NoError(t, err)

	assert.Equal(t, "docs/animals.pdf", res.Source)
	assert.Equal(t, 3, res.Pages)
	assert.False(t, res.Skipped)
	assert.Greater(t, res.Chunks, 2)
	assert.Equal(t, 1, f.embedder.Calls(), "chunks are embedded in one batch")
	assert.Equal(t, 1, f.store.calls("add"))

	n, err := f.ix.Status(context.Background(), "docs/animals.pdf")
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, n)

	require.NotNil(t, res.Metrics)
	for _, stage := range []string{"load", "chunk", "embed", "store"} {
		_, ok := res.Metrics.Stage(stage)
		assert.True(t, ok, "stage %s", stage)
	}
	assert.Equal(t, []string{"index.write"}, f.auditTypes())
	assert.Equal(t, float64(res.Chunks), f.metrics.ChunksWrittenTotal.Value())
}

func TestIndex_RecordsCarryPageAndPosition(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	res, err := f.ix.Index(context.Background(), "a.pdf", false)
	require.NoError(t, err)

	results, err := f.store.Search(context.Background(), make([]float32, 4), 100, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, results, res.Chunks)

	seen := make(map[int]bool)
	for _, r := range results {
		assert.Equal(t, "a.pdf", r.Metadata.Source)
		assert.Equal(t, vector.RecordID(testCollection, "a.pdf", r.Metadata.Page, r.Metadata.Position), r.ID)
		seen[r.Metadata.Position] = true
	}
	for i := 0; i < res.Chunks; i++ {
		assert.True(t, seen[i], "position %d missing", i)
	}
}

func TestIndex_IsIdempotent(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()

	first, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	second, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	assert.True(t, second.Skipped)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, 1, f.store.calls("add"), "a skipped document must not be written")
	assert.Zero(t, f.store.calls("delete"))
	assert.Equal(t, 1, f.embedder.Calls())

	n, err := f.store.Count(ctx, vector.Filter{})
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, n)
	assert.Equal(t, []string{"index.write", "index.skip"}, f.auditTypes())
}

func TestIndex_ForceReplaces(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()

	first, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	// Shorten the document so that stale records would show up as extras.
	f.loader.docs["a.pdf"] = domain.Document{ID: "a.pdf", Pages: []domain.Page{{Number: 1, Text: "Only one short page."}}}

	second, err := f.ix.Index(ctx, "a.pdf", true)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.Equal(t, first.Chunks, second.Replaced)
	assert.Equal(t, 1, second.Chunks)

	n, err := f.store.Count(ctx, vector.Filter{Source: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "force must replace, not append")

	ops := f.store.ops()
	require.Equal(t, []string{"count", "add", "count", "delete", "add"}, ops)
	assert.Equal(t, []string{"index.write", "index.replace", "index.write"}, f.auditTypes())
}

func TestIndex_ForceOnUnindexedDocumentDoesNotDelete(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))

	res, err := f.ix.Index(context.Background(), "a.pdf", true)
	require.NoError(t, err)
	assert.Zero(t, res.Replaced)
	assert.Zero(t, f.store.calls("delete"))
}

func TestIndex_UnsupportedDeleteFails(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()

	_, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	f.store.failDelete = fmt.Errorf("%w: %w", domain.ErrVectorStore, domain.ErrUnsupportedOperation)
	res, err := f.ix.Index(ctx, "a.pdf", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedOperation))
	assert.Zero(t, res.Chunks)
	assert.Equal(t, 1, f.store.calls("add"), "no add after a failed delete")
	assert.Equal(t, 2, f.embedder.Calls())
}

func TestIndex_ForceKeepsOldRecordsWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()

	first, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	f.embedder.Err = errors.New("connection refused")
	res, err := f.ix.Index(ctx, "a.pdf", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmbeddingService))
	assert.Zero(t, res.Chunks)
	assert.Zero(t, res.Replaced)
	assert.Zero(t, f.store.calls("delete"))

	n, err := f.store.Count(ctx, vector.Filter{Source: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, n, "the previous index must survive a failed reindex")
}

func TestIndex_ForceWithEmptyReplacementClearsOldRecords(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()

	first, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)
	embeds := f.embedder.Calls()

	f.loader.docs["a.pdf"] = domain.Document{ID: "a.pdf", Pages: []domain.Page{{Number: 1, Text: " "}}}
	res, err := f.ix.Index(ctx, "a.pdf", true)
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)
	assert.Equal(t, first.Chunks, res.Replaced)
	assert.Equal(t, embeds, f.embedder.Calls())

	n, err := f.store.Count(ctx, vector.Filter{Source: "a.pdf"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndex_CompensatingDeleteAfterFailedAdd(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	f.store.failAdd = fmt.Errorf("%w: upsert: connection reset", domain.ErrVectorStore)

	res, err := f.ix.Index(context.Background(), "a.pdf", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVectorStore))
	assert.Zero(t, res.Chunks)
	assert.Equal(t, []string{"count", "add", "delete"}, f.store.ops())
	assert.Equal(t, []string{"index.error"}, f.auditTypes())
	assert.Equal(t, 1.0, f.metrics.IndexErrorsTotal.Value())
}

func TestIndex_EmbeddingFailure(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	f.embedder.Err = errors.New("connection refused")

	res, err := f.ix.Index(context.Background(), "a.pdf", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmbeddingService))
	assert.Zero(t, res.Chunks)
	assert.Zero(t, f.store.calls("add"))

	stage, ok := res.Metrics.Stage("embed")
	require.True(t, ok)
	assert.True(t, stage.Failed)
}

func TestIndex_EmbeddingCountMismatch(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	f.embedder.Short = true

	_, err := f.ix.Index(context.Background(), "a.pdf", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmbeddingService))
	assert.Contains(t, err.Error(), "vectors for")
	assert.Zero(t, f.store.calls("add"))
}

func TestIndex_EmptyDocument(t *testing.T) {
	f := newFixture(t, domain.Document{ID: "scan.pdf", Pages: []domain.Page{{Number: 1, Text: "  "}, {Number: 2}}})

	res, err := f.ix.Index(context.Background(), "scan.pdf", false)
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)
	assert.Equal(t, 2, res.Pages)
	assert.Zero(t, f.embedder.Calls())
	assert.Zero(t, f.store.calls("add"))
}

func TestIndex_LoadFailure(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	f.loader.loadErr = fmt.Errorf("%w: broken xref", domain.ErrUnsupportedFormat)

	res, err := f.ix.Index(context.Background(), "a.pdf", false)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
	assert.Zero(t, res.Chunks)
	assert.Zero(t, f.store.calls("add"))
}

func TestIndex_SearchFindsPageOfTerm(t *testing.T) {
	f := newFixture(t, threePageDoc("docs/animals.pdf"))
	ctx := context.Background()

	_, err := f.ix.Index(ctx, "docs/animals.pdf", false)
	require.NoError(t, err)

	q, err := f.embedder.Embed(ctx, []string{"zebra"})
	require.NoError(t, err)
	results, err := f.store.Search(ctx, q[0], 1, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Metadata.Page)
	assert.Contains(t, strings.ToLower(results[0].Text), "zebra")
}

func TestIndex_ConcurrentSameSourceWritesOnce(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))

	var wg sync.WaitGroup
	results := make([]Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.ix.Index(context.Background(), "a.pdf", false)
		}()
	}
	wg.Wait()

	skipped := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Skipped {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 1, f.store.calls("add"))
}

func TestRemove(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"), threePageDoc("b.pdf"))
	ctx := context.Background()

	a, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)
	b, err := f.ix.Index(ctx, "b.pdf", false)
	require.NoError(t, err)

	removed, err := f.ix.Remove(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, a.Chunks, removed)

	n, err := f.ix.Status(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.ix.Status(ctx, "b.pdf")
	require.NoError(t, err)
	assert.Equal(t, b.Chunks, n)

	removed, err = f.ix.Remove(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, []string{"index.write", "index.write", "index.remove"}, f.auditTypes())
}

func TestRemove_DeleteFailure(t *testing.T) {
	f := newFixture(t, threePageDoc("a.pdf"))
	ctx := context.Background()
	_, err := f.ix.Index(ctx, "a.pdf", false)
	require.NoError(t, err)

	f.store.failDelete = vector.ErrZeroFilter
	removed, err := f.ix.Remove(ctx, "a.pdf")
	assert.True(t, errors.Is(err, domain.ErrUnsupportedOperation))
	assert.Zero(t, removed)
}

// The real PDF loader must reject bad paths before the store is touched.

func newPDFIndexer(t *testing.T) (*Indexer, *spyStore) {
	t.Helper()
	ch, err := chunker.New()
	require.NoError(t, err)
	store := &spyStore{Store: memory.New(testCollection, "keyword")}
	ix := New(document.NewPDFLoader(nil), ch, llmtest.NewKeywordEmbedder("x"), store, testCollection)
	return ix, store
}

func TestIndex_MissingFileTouchesNoStore(t *testing.T) {
	ix, store := newPDFIndexer(t)

	res, err := ix.Index(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Zero(t, res.Chunks)
	assert.Empty(t, store.ops(), "no store calls for a missing file")
}

func TestIndex_TextFileIsUnsupported(t *testing.T) {
	ix, store := newPDFIndexer(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain notes"), 0o644))

	res, err := ix.Index(context.Background(), path, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
	assert.Zero(t, res.Chunks)
	assert.Empty(t, store.ops())
}

// fakeLoader serves documents from memory.
type fakeLoader struct {
	docs    map[string]domain.Document
	loadErr error
	delay   time.Duration
}

func newFakeLoader(docs ...domain.Document) *fakeLoader {
	l := &fakeLoader{docs: make(map[string]domain.Document)}
	for _, d := range docs {
		l.docs[d.ID] = d
	}
	return l
}

func (l *fakeLoader) Stat(path string) error {
	if _, ok := l.docs[path]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return nil
}

func (l *fakeLoader) Load(ctx context.Context, path string) (domain.Document, error) {
	if err := l.Stat(path); err != nil {
		return domain.Document{}, err
	}
	if l.loadErr != nil {
		return domain.Document{}, l.loadErr
	}
	time.Sleep(l.delay)
	return l.docs[path], nil
}

// spyStore records the operations made on the wrapped store and can fail
// adds and deletes on demand.
type spyStore struct {
	vector.Store
	failAdd    error
	failDelete error

	mu  sync.Mutex
	log []string
}

func (s *spyStore) record(op string) {
	s.mu.Lock()
	s.log = append(s.log, op)
	s.mu.Unlock()
}

func (s *spyStore) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *spyStore) calls(op string) int {
	n := 0
	for _, o := range s.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (s *spyStore) Add(ctx context.Context, records []vector.Record) error {
	s.record("add")
	if s.failAdd != nil {
		return s.failAdd
	}
	return s.Store.Add(ctx, records)
}

func (s *spyStore) Count(ctx context.Context, filter vector.Filter) (int, error) {
	s.record("count")
	return s.Store.Count(ctx, filter)
}

func (s *spyStore) Delete(ctx context.Context, filter vector.Filter) error {
	s.record("delete")
	if s.failDelete != nil {
		return s.failDelete
	}
	return s.Store.Delete(ctx, filter)
}
