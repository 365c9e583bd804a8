// Package app builds the indexing and retrieval pipeline from one
// config.Config value. The CLI and the MCP server share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/pdfrag/internal/chunker"
	"github.com/efebarandurmaz/pdfrag/internal/config"
	"github.com/efebarandurmaz/pdfrag/internal/document"
	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/indexer"
	"github.com/efebarandurmaz/pdfrag/internal/llm"
	"github.com/efebarandurmaz/pdfrag/internal/llmutil"
	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
	"github.com/efebarandurmaz/pdfrag/internal/retry"
	"github.com/efebarandurmaz/pdfrag/internal/server"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
	"github.com/efebarandurmaz/pdfrag/internal/vector/memory"
	"github.com/efebarandurmaz/pdfrag/internal/vector/pgvector"
	"github.com/efebarandurmaz/pdfrag/internal/vector/qdrant"
	"github.com/efebarandurmaz/pdfrag/internal/vector/sqlite"
)

// Version is reported by health endpoints and traces.
var Version = "0.1.0"

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Store     vector.Store
	Embedder  llm.Provider
	Generator llm.Provider // nil when llm.provider is "none"
	Indexer   *indexer.Indexer
	Retriever *retrieval.Retriever
	Audit     *observability.AuditLogger

	tracing *observability.TracerProvider
}

type options struct {
	logger *slog.Logger
	store  vector.Store
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses s instead of opening the configured backend. The App takes
// ownership and closes it.
func WithStore(s vector.Store) Option {
	return func(o *options) { o.store = s }
}

// New checks cfg and wires every component. Configuration problems are
// returned wrapped with domain.ErrConfiguration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  o.logger,
		Metrics: observability.NewMetrics(),
	}

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "pdfrag",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.tracing = tp

	if err := a.buildProviders(); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Store = o.store
	if a.Store == nil {
		a.Store, err = OpenStore(ctx, cfg)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.Audit, err = observability.NewAuditLogger(observability.AuditConfig{
		OutputPath: cfg.Audit.Path,
		SessionID:  uuid.NewString(),
		Collection: cfg.Vector.Collection,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	ch, err := chunker.New(
		chunker.WithChunkSize(cfg.RAG.ChunkSize),
		chunker.WithOverlap(cfg.RAG.ChunkOverlap),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Indexer = indexer.New(document.NewPDFLoader(a.Logger), ch, a.Embedder, a.Store, cfg.Vector.Collection,
		indexer.WithLogger(a.Logger),
		indexer.WithMetrics(a.Metrics),
		indexer.WithAudit(a.Audit),
	)

	a.Retriever = retrieval.New(a.Embedder, a.Generator, a.Store, retrieval.Config{
		DefaultK:      cfg.RAG.SearchK,
		ContextBudget: cfg.RAG.ContextBudget,
		ExcerptChars:  cfg.RAG.ExcerptChars,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, retrieval.WithLogger(a.Logger), retrieval.WithMetrics(a.Metrics))

	a.Logger.Debug("pipeline ready",
		"backend", cfg.Vector.Backend,
		"collection", cfg.Vector.Collection,
		"chunk_size", ch.ChunkSize(),
		"chunk_overlap", ch.Overlap(),
		"embedding", cfg.Embedding.Provider,
		"llm", cfg.LLM.Provider)
	return a, nil
}

// NewFactory returns a provider factory with the built-in providers.
func NewFactory() *llm.ProviderFactory {
	f := llm.NewFactory()
	llmutil.RegisterDefaultProviders(f)
	return f
}

func (a *App) buildProviders() error {
	factory := NewFactory()
	cfg := a.Config

	embedder, err := factory.Create(llm.ProviderConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		EmbedModel: cfg.Embedding.Model,
		Timeout:    cfg.Retry.Timeout,
		MaxRetries: cfg.Retry.MaxRetries,
		RetryDelay: cfg.Retry.InitialDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	})
	if err != nil {
		return fmt.Errorf("%w: embedding provider: %w", domain.ErrConfiguration, err)
	}
	if embedder == nil {
		return fmt.Errorf("%w: embedding.provider is required", domain.ErrConfiguration)
	}
	a.Embedder = llm.WithTracing(embedder, cfg.Embedding.Model, a.Metrics)

	generator, err := factory.Create(llm.ProviderConfig{
		Provider:          cfg.LLM.Provider,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		Timeout:           cfg.Retry.Timeout,
		MaxRetries:        cfg.Retry.MaxRetries,
		RetryDelay:        cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		TokensPerMinute:   cfg.LLM.TokensPerMinute,
	})
	if err != nil {
		return fmt.Errorf("%w: llm provider: %w", domain.ErrConfiguration, err)
	}
	a.Generator = llm.WithTracing(generator, cfg.LLM.Model, a.Metrics)
	return nil
}

// OpenStore opens the configured backend. Remote backends are wrapped with
// retries; every backend is traced.
func OpenStore(ctx context.Context, cfg *config.Config) (vector.Store, error) {
	vc := cfg.Vector
	model := cfg.Embedding.Model
	retryCfg := retry.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Timeout:      cfg.Retry.Timeout,
	}

	var store vector.Store
	switch vc.Backend {
	case "memory":
		store = memory.New(vc.Collection, model)
	case "sqlite":
		s, err := sqlite.New(ctx, vc.SQLite.Path, vc.Collection, model)
		if err != nil {
			return nil, err
		}
		store = s
	case "qdrant":
		s, err := qdrant.New(ctx, vc.Qdrant.Host, vc.Qdrant.Port, vc.Collection, model)
		if err != nil {
			return nil, err
		}
		store = vector.NewRetryStore(s, retryCfg)
	case "pgvector":
		s, err := pgvector.New(ctx, vc.Postgres.DSN, vc.Collection, model)
		if err != nil {
			return nil, err
		}
		store = vector.NewRetryStore(s, retryCfg)
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", domain.ErrConfiguration, vc.Backend)
	}
	return vector.NewTracedStore(store, vc.Backend), nil
}

// RegisterHealthChecks adds the vector store, embedding and LLM checks to h.
func (a *App) RegisterHealthChecks(h *server.HealthServer) {
	cfg := a.Config

	h.RegisterCheck("vector_store", server.VectorStoreHealthChecker(cfg.Vector.Backend, func(ctx context.Context) error {
		_, err := a.Store.Info(ctx)
		return err
	}))

	h.RegisterCheck("embedding", server.EmbeddingHealthChecker(a.Embedder.Name(), cfg.Embedding.Model, func(ctx context.Context) error {
		vecs, err := a.Embedder.Embed(ctx, []string{"health check"})
		if err != nil {
			return err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return errors.New("embedding endpoint returned no vector")
		}
		return nil
	}))

	if a.Generator == nil {
		h.RegisterCheck("llm", server.LLMHealthChecker(cfg.LLM.Provider, cfg.LLM.Model, nil))
		return
	}
	h.RegisterCheck("llm", server.LLMHealthChecker(a.Generator.Name(), cfg.LLM.Model, func(ctx context.Context) error {
		_, err := a.Generator.Complete(ctx, llm.NewPrompt("", "Reply with OK."), &llm.RequestOptions{MaxTokens: llm.Int(5)})
		return err
	}))
}

// RegisterShutdownHooks closes the App's resources on shutdown.
func (a *App) RegisterShutdownHooks(s *server.ShutdownHandler) {
	s.Register(server.TracingShutdownHook(a.tracing.Shutdown))
	s.Register(server.VectorStoreShutdownHook(a.Store.Close))
	s.Register(server.AuditLoggerShutdownHook(a.Audit.Close))
}

// Info reports the configured collection.
func (a *App) Info(ctx context.Context) (vector.CollectionInfo, error) {
	info, err := a.Store.Info(ctx)
	if err != nil {
		return vector.CollectionInfo{}, err
	}
	if info.Backend == "" {
		info.Backend = a.Config.Vector.Backend
	}
	return info, nil
}

// Close releases the store, audit log and tracer. It is safe on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
