// Package vector stores embedded chunks and answers similarity queries.
// Backends live in subpackages; this package holds the shared types, batch
// validation and the retry and tracing wrappers.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
)

// Metadata is the payload stored next to every vector.
type Metadata struct {
	Source   string `json:"source"`
	Page     int    `json:"page"`
	Position int    `json:"position"`
}

// Record is one embedded chunk.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata Metadata
}

// Result is a Record matched by a similarity query. Higher Score is more
// similar.
type Result struct {
	Record
	Score float32
}

// Filter restricts an operation to one source. The zero value matches
// everything.
type Filter struct {
	Source string
}

// IsZero reports whether f matches every record.
func (f Filter) IsZero() bool { return f.Source == "" }

// Matches reports whether m passes the filter.
func (f Filter) Matches(m Metadata) bool {
	return f.IsZero() || m.Source == f.Source
}

// CollectionInfo describes the configured collection.
type CollectionInfo struct {
	Name           string `json:"name"`
	HasDocuments   bool   `json:"has_documents"`
	Count          int    `json:"count"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	Backend        string `json:"backend"`
}

// Store is a named collection of embedded chunks.
type Store interface {
	// Add writes records. The batch is validated as a whole before anything
	// is written.
	Add(ctx context.Context, records []Record) error
	// Search returns at most k results by descending score. A missing or
	// empty collection yields no results and no error.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error)
	// Count returns the number of records matching filter.
	Count(ctx context.Context, filter Filter) (int, error)
	// Delete removes every record matching filter. A zero filter is refused.
	Delete(ctx context.Context, filter Filter) error
	// Info describes the collection.
	Info(ctx context.Context) (CollectionInfo, error)
	// Close releases connections.
	Close() error
}

// recordNamespace scopes record IDs so that they cannot collide with other
// name-based UUIDs.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/efebarandurmaz/pdfrag/record"))

// RecordID derives a stable ID for a chunk. Re-adding the same chunk of the
// same document overwrites instead of duplicating.
func RecordID(collection, source string, page, position int) string {
	name := fmt.Sprintf("%s\x00%s\x00%d\x00%d", collection, source, page, position)
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

// Errorf wraps err as a vector store failure of backend during op.
func Errorf(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrVectorStore) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", domain.ErrVectorStore, backend, op, err)
}

// ErrZeroFilter is returned by Delete when no source is given.
var ErrZeroFilter = fmt.Errorf("%w: %w: delete requires a source filter", domain.ErrVectorStore, domain.ErrUnsupportedOperation)

// ErrInvalidBatch marks records a backend refuses regardless of its state:
// missing IDs or sources, empty vectors and dimension mismatches.
var ErrInvalidBatch = fmt.Errorf("%w: %w", domain.ErrVectorStore, domain.ErrInvalidInput)

// DimensionError reports a batch whose dimension differs from the
// collection's.
func DimensionError(backend string, got, want int) error {
	return fmt.Errorf("%w: %s add: vector dimension %d does not match collection dimension %d",
		ErrInvalidBatch, backend, got, want)
}

// ValidateBatch checks that every record has an ID, a source and a non-empty
// vector, and that all vectors share one dimension, which it returns.
func ValidateBatch(records []Record) (int, error) {
	dim := 0
	for i, r := range records {
		if r.ID == "" {
			return 0, fmt.Errorf("%w: record %d has no id", ErrInvalidBatch, i)
		}
		if r.Metadata.Source == "" {
			return 0, fmt.Errorf("%w: record %d has no source", ErrInvalidBatch, i)
		}
		if len(r.Vector) == 0 {
			return 0, fmt.Errorf("%w: record %d has an empty vector", ErrInvalidBatch, i)
		}
		if i == 0 {
			dim = len(r.Vector)
		} else if len(r.Vector) != dim {
			return 0, fmt.Errorf("%w: record %d has dimension %d, batch has %d",
				ErrInvalidBatch, i, len(r.Vector), dim)
		}
	}
	return dim, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// TopK sorts results by descending score, keeping insertion order for ties,
// and truncates to k.
func TopK(results []Result, k int) []Result {
	if k <= 0 {
		return []Result{}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}
