package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/config"
	"github.com/efebarandurmaz/pdfrag/internal/document/pdftest"
	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/llm/llmtest"
	"github.com/efebarandurmaz/pdfrag/internal/server"
	"github.com/efebarandurmaz/pdfrag/internal/vector/memory"
)

// testConfig points both providers at srv and keeps everything in memory.
func testConfig(srv *llmtest.OpenAIServer) *config.Config {
	cfg := config.Default()
	cfg.Vector.Backend = "memory"
	cfg.Embedding = config.EmbeddingConfig{Provider: "custom", Model: "keyword", BaseURL: srv.URL}
	cfg.LLM.Provider = "custom"
	cfg.LLM.Model = "scripted"
	cfg.LLM.BaseURL = srv.URL
	cfg.Retry.MaxRetries = 0
	cfg.Retry.Timeout = 5 * time.Second
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestEndToEnd_IndexSearchAnswer(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple", "zebra", "pear"),
		"<think>page two mentions zebras</think>Zebras are striped [1].")
	a := newTestApp(t, testConfig(srv))
	ctx := context.Background()

	path := pdftest.Write(t, t.TempDir(), "animals.pdf",
		"Apples grow on trees in the orchard",
		"The zebra has black and white stripes",
		"Pears are sweet when ripe")

	res, err := a.Indexer.Index(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 3, res.Chunks)
	assert.False(t, res.Skipped)

	results, err := a.Retriever.Search(ctx, "zebra", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Metadata.Page)
	assert.Equal(t, path, results[0].Metadata.Source)
	assert.Contains(t, results[0].Text, "zebra")

	ans, err := a.Retriever.Answer(ctx, "What does the zebra look like?", true)
	require.NoError(t, err)
	assert.Equal(t, "Zebras are striped [1].", ans.Text)
	require.NotEmpty(t, ans.Sources)
	assert.Equal(t, 2, ans.Sources[0].Page)

	msgs := srv.ChatMessages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0], 2)
	assert.Equal(t, "system", msgs[0][0]["role"])
	assert.Contains(t, msgs[0][1]["content"], "[1] (source: "+path+", page 2)")

	again, err := a.Indexer.Index(ctx, path, false)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, 3, again.Chunks)

	info, err := a.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "docs_pdf", info.Name)
	assert.Equal(t, 3, info.Count)
	assert.True(t, info.HasDocuments)
	assert.Equal(t, "memory", info.Backend)

	assert.Equal(t, 2.0, a.Metrics.IndexRunsTotal.Value())
	assert.Equal(t, 1.0, a.Metrics.AnswersTotal.Value())
	assert.Equal(t, 1.0, a.Metrics.LLMRequestsTotal.Value())
}

func TestEndToEnd_ForceReindex(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple", "zebra"), "ok")
	a := newTestApp(t, testConfig(srv))
	ctx := context.Background()

	path := pdftest.Write(t, t.TempDir(), "doc.pdf", "apple one", "zebra two")
	_, err := a.Indexer.Index(ctx, path, false)
	require.NoError(t, err)

	res, err := a.Indexer.Index(ctx, path, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)
	assert.Equal(t, 2, res.Chunks)

	n, err := a.Indexer.Status(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEndToEnd_SQLiteBackend(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple", "zebra", "pear"), "ok")
	cfg := testConfig(srv)
	cfg.Vector.Backend = "sqlite"
	cfg.Vector.SQLite.Path = filepath.Join(t.TempDir(), "pdfrag.db")
	a := newTestApp(t, cfg)
	ctx := context.Background()

	path := pdftest.Write(t, t.TempDir(), "fruit.pdf", "apple", "zebra", "pear")
	_, err := a.Indexer.Index(ctx, path, false)
	require.NoError(t, err)

	results, err := a.Retriever.Search(ctx, "pear", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Metadata.Page)
}

func TestEndToEnd_EmbeddingFailureWritesNothing(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "ok")
	a := newTestApp(t, testConfig(srv))
	ctx := context.Background()

	path := pdftest.Write(t, t.TempDir(), "doc.pdf", "apple pie")
	srv.FailWith(http.StatusUnauthorized)

	res, err := a.Indexer.Index(ctx, path, false)
	require.ErrorIs(t, err, domain.ErrEmbeddingService)
	assert.Zero(t, res.Chunks)

	n, err := a.Indexer.Status(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEndToEnd_ProviderFailureFailsAnswer(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "ok")
	a := newTestApp(t, testConfig(srv))
	srv.FailWith(http.StatusBadRequest)

	_, err := a.Retriever.Answer(context.Background(), "apple", false)
	// The embedding call fails first, so this is a retrieval error.
	require.ErrorIs(t, err, domain.ErrRetrieval)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.RAG.SearchK = 0

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Vector.Backend = "memory"
	cfg.LLM = config.LLMConfig{Provider: "mystery"}
	cfg.Embedding = config.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text"}

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "mystery")
}

func TestNew_WithoutGenerator(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "ok")
	cfg := testConfig(srv)
	cfg.LLM.Provider = "none"
	a := newTestApp(t, cfg)

	assert.Nil(t, a.Generator)
	_, err := a.Retriever.Answer(context.Background(), "apple", false)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = a.Retriever.Search(context.Background(), "apple", 1)
	require.NoError(t, err)
}

func TestWithStore(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "ok")
	store := memory.New("custom", "keyword")
	a := newTestApp(t, testConfig(srv), WithStore(store))
	assert.Same(t, store, a.Store)
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Vector.Backend = "chroma"
	_, err := OpenStore(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRegisterHealthChecks(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "OK")
	a := newTestApp(t, testConfig(srv))

	h := server.NewHealthServer(nil)
	a.RegisterHealthChecks(h)

	resp := h.Check(context.Background())
	assert.Equal(t, server.HealthStatusHealthy, resp.Status)
	require.Len(t, resp.Checks, 3)
	assert.Equal(t, "vector_store", resp.Checks[0].Name)
	assert.Equal(t, "embedding", resp.Checks[1].Name)
	assert.Equal(t, "llm", resp.Checks[2].Name)

	srv.FailWith(http.StatusServiceUnavailable)
	resp = h.Check(context.Background())
	assert.Equal(t, server.HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, server.HealthStatusUnhealthy, resp.Checks[1].Status)
	assert.Equal(t, server.HealthStatusDegraded, resp.Checks[2].Status)
}

func TestRegisterHealthChecks_NoGenerator(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "OK")
	cfg := testConfig(srv)
	cfg.LLM.Provider = "none"
	a := newTestApp(t, cfg)

	h := server.NewHealthServer(nil)
	a.RegisterHealthChecks(h)

	resp := h.Check(context.Background())
	assert.Equal(t, server.HealthStatusDegraded, resp.Status)
	assert.True(t, strings.Contains(resp.Checks[2].Message, "No LLM provider"))
}

func TestClose_PartialApp(t *testing.T) {
	a := &App{}
	assert.NoError(t, a.Close(context.Background()))
}

func TestRegisterShutdownHooks(t *testing.T) {
	srv := llmtest.NewOpenAIServer(t, llmtest.NewKeywordEmbedder("apple"), "OK")
	a := newTestApp(t, testConfig(srv), WithStore(&closeTracker{Store: memory.New("docs_pdf", "keyword")}))

	sh := server.NewShutdownHandler(&server.ShutdownConfig{Timeout: time.Second})
	a.RegisterShutdownHooks(sh)
	sh.Start()
	sh.Shutdown()
	require.True(t, sh.WaitWithTimeout(2*time.Second))
	assert.True(t, a.Store.(*closeTracker).closed)
}

type closeTracker struct {
	*memory.Store
	closed bool
}

func (c *closeTracker) Close() error {
	if c.closed {
		return errors.New("closed twice")
	}
	c.closed = true
	return c.Store.Close()
}
