package vector

import (
	"context"

	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/retry"
)

// RetryStore retries network-class failures of a remote backend with
// bounded backoff. ErrInvalidBatch and unsupported-operation errors are
// returned after the first attempt.
type RetryStore struct {
	inner  Store
	config retry.Config
}

// NewRetryStore wraps inner with cfg.
func NewRetryStore(inner Store, cfg retry.Config) *RetryStore {
	return &RetryStore{inner: inner, config: cfg}
}

func (s *RetryStore) Add(ctx context.Context, records []Record) error {
	_, err := retry.Do(ctx, s.config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Add(ctx, records)
	})
	return err
}

func (s *RetryStore) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error) {
	return retry.Do(ctx, s.config, func(ctx context.Context) ([]Result, error) {
		return s.inner.Search(ctx, query, k, filter)
	})
}

func (s *RetryStore) Count(ctx context.Context, filter Filter) (int, error) {
	return retry.Do(ctx, s.config, func(ctx context.Context) (int, error) {
		return s.inner.Count(ctx, filter)
	})
}

func (s *RetryStore) Delete(ctx context.Context, filter Filter) error {
	_, err := retry.Do(ctx, s.config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Delete(ctx, filter)
	})
	return err
}

func (s *RetryStore) Info(ctx context.Context) (CollectionInfo, error) {
	return retry.Do(ctx, s.config, func(ctx context.Context) (CollectionInfo, error) {
		return s.inner.Info(ctx)
	})
}

func (s *RetryStore) Close() error { return s.inner.Close() }

// TracedStore opens a vector.<op> span around every call.
type TracedStore struct {
	inner   Store
	backend string
}

// NewTracedStore wraps inner, labelling spans with backend.
func NewTracedStore(inner Store, backend string) *TracedStore {
	return &TracedStore{inner: inner, backend: backend}
}

func (s *TracedStore) Add(ctx context.Context, records []Record) error {
	ctx, span := observability.StartVectorSpan(ctx, s.backend, "add")
	defer span.End()
	err := s.inner.Add(ctx, records)
	observability.RecordError(span, err)
	return err
}

func (s *TracedStore) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error) {
	ctx, span := observability.StartVectorSpan(ctx, s.backend, "search")
	defer span.End()
	res, err := s.inner.Search(ctx, query, k, filter)
	observability.RecordError(span, err)
	return res, err
}

func (s *TracedStore) Count(ctx context.Context, filter Filter) (int, error) {
	ctx, span := observability.StartVectorSpan(ctx, s.backend, "count")
	defer span.End()
	n, err := s.inner.Count(ctx, filter)
	observability.RecordError(span, err)
	return n, err
}

func (s *TracedStore) Delete(ctx context.Context, filter Filter) error {
	ctx, span := observability.StartVectorSpan(ctx, s.backend, "delete")
	defer span.End()
	err := s.inner.Delete(ctx, filter)
	observability.RecordError(span, err)
	return err
}

func (s *TracedStore) Info(ctx context.Context) (CollectionInfo, error) {
	ctx, span := observability.StartVectorSpan(ctx, s.backend, "info")
	defer span.End()
	info, err := s.inner.Info(ctx)
	observability.RecordError(span, err)
	return info, err
}

func (s *TracedStore) Close() error { return s.inner.Close() }

var (
	_ Store = (*RetryStore)(nil)
	_ Store = (*TracedStore)(nil)
)
