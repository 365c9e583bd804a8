// Package memory is an in-process vector store for tests and throwaway
// sessions. Nothing survives the process.
package memory

import (
	"context"
	"sync"

	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

const backendName = "memory"

// Store keeps records in insertion order, keyed by ID.
type Store struct {
	mu             sync.RWMutex
	name           string
	embeddingModel string
	records        []vector.Record
	index          map[string]int
}

// New returns an empty store for the named collection.
func New(collection, embeddingModel string) *Store {
	return &Store{
		name:           collection,
		embeddingModel: embeddingModel,
		index:          make(map[string]int),
	}
}

// Add implements vector.Store. Existing IDs are overwritten in place.
func (s *Store) Add(_ context.Context, records []vector.Record) error {
	dim, err := vector.ValidateBatch(records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) > 0 && dim > 0 && len(s.records[0].Vector) != dim {
		return vector.DimensionError(backendName, dim, len(s.records[0].Vector))
	}
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		if i, ok := s.index[r.ID]; ok {
			s.records[i] = r
			continue
		}
		s.index[r.ID] = len(s.records)
		s.records = append(s.records, r)
	}
	return nil
}

// Search implements vector.Store.
func (s *Store) Search(_ context.Context, query []float32, k int, filter vector.Filter) ([]vector.Result, error) {
	if k <= 0 {
		return []vector.Result{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vector.Result, 0, len(s.records))
	for _, r := range s.records {
		if !filter.Matches(r.Metadata) {
			continue
		}
		results = append(results, vector.Result{Record: r, Score: vector.Cosine(query, r.Vector)})
	}
	return vector.TopK(results, k), nil
}

// Count implements vector.Store.
func (s *Store) Count(_ context.Context, filter vector.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if filter.Matches(r.Metadata) {
			n++
		}
	}
	return n, nil
}

// Delete implements vector.Store.
func (s *Store) Delete(_ context.Context, filter vector.Filter) error {
	if filter.IsZero() {
		return vector.ErrZeroFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	s.index = make(map[string]int, len(s.records))
	for _, r := range s.records {
		if filter.Matches(r.Metadata) {
			continue
		}
		s.index[r.ID] = len(kept)
		kept = append(kept, r)
	}
	clear(s.records[len(kept):])
	s.records = kept
	return nil
}

// Info implements vector.Store.
func (s *Store) Info(_ context.Context) (vector.CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return vector.CollectionInfo{
		Name:           s.name,
		HasDocuments:   len(s.records) > 0,
		Count:          len(s.records),
		EmbeddingModel: s.embeddingModel,
		Backend:        backendName,
	}, nil
}

// Close implements vector.Store.
func (s *Store) Close() error { return nil }

var _ vector.Store = (*Store)(nil)
