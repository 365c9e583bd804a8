// Package chunker splits page text into overlapping chunks, preferring
// paragraph, line, sentence and word boundaries before cutting characters.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
)

// DefaultChunkSize is the default maximum number of characters per chunk.
const DefaultChunkSize = 500

// DefaultChunkOverlap is the default number of characters carried over
// between consecutive chunks.
const DefaultChunkOverlap = 50

// DefaultSeparators lists split boundaries from coarsest to finest. The empty
// separator splits into single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits text recursively on a list of separators.
type Chunker struct {
	chunkSize  int
	overlap    int
	separators []string
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the maximum chunk length in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.chunkSize = size
	}
}

// WithOverlap sets the overlap between consecutive chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New creates a Chunker. Sizes that cannot produce progress are rejected
// with domain.ErrConfiguration.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive, got %d", domain.ErrConfiguration, c.chunkSize)
	}
	if c.overlap < 0 || c.overlap >= c.chunkSize {
		return nil, fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d with chunk_size %d",
			domain.ErrConfiguration, c.overlap, c.chunkSize)
	}
	return c, nil
}

// ChunkSize returns the configured maximum chunk length.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits every page of doc. Chunks never span pages and are numbered
// in document order.
func (c *Chunker) Chunk(doc domain.Document) []domain.Chunk {
	var chunks []domain.Chunk
	for _, page := range doc.Pages {
		for _, text := range c.Split(page.Text) {
			chunks = append(chunks, domain.Chunk{
				Text:     text,
				Source:   doc.ID,
				Page:     page.Number,
				Position: len(chunks),
			})
		}
	}
	return chunks
}

// Split breaks text into trimmed, non-empty chunks of at most ChunkSize
// characters.
func (c *Chunker) Split(text string) []string {
	var out []string
	for _, s := range c.split(text, c.separators) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Chunker) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var finer []string
	for i, s := range separators {
		if s == "" {
			separator = s
			break
		}
		if strings.Contains(text, s) {
			separator = s
			finer = separators[i+1:]
			break
		}
	}

	var (
		final []string
		good  []string
	)
	for _, piece := range splitKeepSeparator(text, separator) {
		if length(piece) < c.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, c.merge(good)...)
			good = nil
		}
		if len(finer) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, c.split(piece, finer)...)
		}
	}
	if len(good) > 0 {
		final = append(final, c.merge(good)...)
	}
	return final
}

// merge packs pieces greedily into chunks. When a chunk closes, leading
// pieces are released until at most overlap characters remain to seed the
// next chunk.
func (c *Chunker) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, piece := range pieces {
		n := length(piece)
		if total+n > c.chunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > c.overlap || (total+n > c.chunkSize && total > 0) {
				total -= length(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepSeparator splits text on sep and keeps sep at the start of every
// piece after the first. An empty sep splits into characters.
func splitKeepSeparator(text, sep string) []string {
	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}
	for i, part := range strings.Split(text, sep) {
		if i > 0 {
			part = sep + part
		}
		if part != "" {
			pieces = append(pieces, part)
		}
	}
	return pieces
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
