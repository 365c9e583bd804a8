// Package vectortest holds a behavioural test suite that every vector.Store
// backend must pass.
package vectortest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

// Factory returns a fresh, empty store for one subtest. The collection
// name it uses is reported by Info.
type Factory func(t *testing.T) vector.Store

// Record builds a record with a deterministic ID.
func Record(collection, source string, page, position int, text string, vec ...float32) vector.Record {
	return vector.Record{
		ID:     vector.RecordID(collection, source, page, position),
		Text:   text,
		Vector: vec,
		Metadata: vector.Metadata{
			Source:   source,
			Page:     page,
			Position: position,
		},
	}
}

func seed(t *testing.T, s vector.Store) {
	t.Helper()
	ctx := context.Background()
	info, err := s.Info(ctx)
	require.NoError(t, err)
	name := info.Name

	require.NoError(t, s.Add(ctx, []vector.Record{
		Record(name, "a.pdf", 1, 0, "apples are red", 1, 0, 0),
		Record(name, "a.pdf", 1, 1, "apples and pears", 0.8, 0.6, 0),
		Record(name, "a.pdf", 2, 2, "pears are green", 0, 1, 0),
	}))
	require.NoError(t, s.Add(ctx, []vector.Record{
		Record(name, "b.pdf", 1, 0, "bananas are yellow", 0, 0, 1),
		Record(name, "b.pdf", 1, 1, "bananas and apples", 0.6, 0, 0.8),
	}))
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("EmptyCollection", func(t *testing.T) {
		s := newStore(t)
		results, err := s.Search(ctx, []float32{1, 0, 0}, 3, vector.Filter{})
		require.NoError(t, err)
		assert.Empty(t, results)

		n, err := s.Count(ctx, vector.Filter{Source: "a.pdf"})
		require.NoError(t, err)
		assert.Zero(t, n)

		info, err := s.Info(ctx)
		require.NoError(t, err)
		assert.False(t, info.HasDocuments)
		assert.Zero(t, info.Count)
		assert.NotEmpty(t, info.Name)
		assert.NotEmpty(t, info.Backend)
	})

	t.Run("CountBySource", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		all, err := s.Count(ctx, vector.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 5, all)

		a, err := s.Count(ctx, vector.Filter{Source: "a.pdf"})
		require.NoError(t, err)
		assert.Equal(t, 3, a)

		none, err := s.Count(ctx, vector.Filter{Source: "missing.pdf"})
		require.NoError(t, err)
		assert.Zero(t, none)
	})

	t.Run("SearchOrderAndBounds", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		results, err := s.Search(ctx, []float32{1, 0, 0}, 2, vector.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "apples are red", results[0].Text)
		assert.Equal(t, "apples and pears", results[1].Text)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
		assert.InDelta(t, 1.0, results[0].Score, 1e-4)

		results, err = s.Search(ctx, []float32{1, 0, 0}, 100, vector.Filter{})
		require.NoError(t, err)
		assert.Len(t, results, 5)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}

		results, err = s.Search(ctx, []float32{1, 0, 0}, 0, vector.Filter{})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("SearchPreservesMetadata", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		results, err := s.Search(ctx, []float32{0, 1, 0}, 1, vector.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "pears are green", results[0].Text)
		assert.Equal(t, vector.Metadata{Source: "a.pdf", Page: 2, Position: 2}, results[0].Metadata)
	})

	t.Run("SearchFilter", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		results, err := s.Search(ctx, []float32{1, 0, 0}, 5, vector.Filter{Source: "b.pdf"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, "b.pdf", r.Metadata.Source)
		}
	})

	t.Run("ReAddOverwrites", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		seed(t, s)

		n, err := s.Count(ctx, vector.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("DeleteBySource", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		require.NoError(t, s.Delete(ctx, vector.Filter{Source: "a.pdf"}))

		a, err := s.Count(ctx, vector.Filter{Source: "a.pdf"})
		require.NoError(t, err)
		assert.Zero(t, a)

		b, err := s.Count(ctx, vector.Filter{Source: "b.pdf"})
		require.NoError(t, err)
		assert.Equal(t, 2, b)

		results, err := s.Search(ctx, []float32{1, 0, 0}, 5, vector.Filter{})
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, "b.pdf", r.Metadata.Source)
		}

		// Deleting a source with no records is not an error.
		require.NoError(t, s.Delete(ctx, vector.Filter{Source: "a.pdf"}))
	})

	t.Run("DeleteRefusesZeroFilter", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.Delete(ctx, vector.Filter{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUnsupportedOperation))

		n, err := s.Count(ctx, vector.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("AddRejectsMixedDimensions", func(t *testing.T) {
		s := newStore(t)
		info, err := s.Info(ctx)
		require.NoError(t, err)

		err = s.Add(ctx, []vector.Record{
			Record(info.Name, "c.pdf", 1, 0, "three", 1, 0, 0),
			Record(info.Name, "c.pdf", 1, 1, "two", 1, 0),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrVectorStore))
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))

		n, err := s.Count(ctx, vector.Filter{})
		require.NoError(t, err)
		assert.Zero(t, n, "a rejected batch must not be partially written")
	})

	t.Run("InfoAfterAdd", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		info, err := s.Info(ctx)
		require.NoError(t, err)
		assert.True(t, info.HasDocuments)
		assert.Equal(t, 5, info.Count)
	})
}
