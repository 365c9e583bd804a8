package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
)

func TestNew_Defaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, c.ChunkSize())
	assert.Equal(t, DefaultChunkOverlap, c.Overlap())
}

func TestNew_InvalidSizes(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{"zero size", 0, 0},
		{"negative size", -10, 0},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"negative overlap", 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithChunkSize(tt.size), WithOverlap(tt.overlap))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
		})
	}
}

func TestSplit_ShortTextIsSingleChunk(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	chunks := c.Split("  A short page of text.  ")
	assert.Equal(t, []string{"A short page of text."}, chunks)
}

func TestSplit_EmptyText(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split(" \n\n \n"))
}

func TestSplit_Deterministic(t *testing.T) {
	c, err := New(WithChunkSize(80), WithOverlap(15))
	require.NoError(t, err)

	text := sampleProse(40)
	first := c.Split(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Split(text))
	}
}

func TestSplit_RespectsChunkSize(t *testing.T) {
	sizes := []struct{ size, overlap int }{
		{20, 0}, {50, 10}, {120, 30}, {500, 50},
	}
	text := sampleProse(200)
	for _, s := range sizes {
		t.Run(fmt.Sprintf("size=%d", s.size), func(t *testing.T) {
			c, err := New(WithChunkSize(s.size), WithOverlap(s.overlap))
			require.NoError(t, err)
			for _, chunk := range c.Split(text) {
				assert.LessOrEqual(t, utf8.RuneCountInString(chunk), s.size)
				assert.NotEmpty(t, chunk)
			}
		})
	}
}

func TestSplit_CharacterFallbackOverlapIsExact(t *testing.T) {
	c, err := New(WithChunkSize(50), WithOverlap(10))
	require.NoError(t, err)

	text := strings.Repeat("abcdefghij", 30)
	chunks := c.Split(text)
	require.Len(t, chunks, 8)

	rebuilt := chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev, next := chunks[i-1], chunks[i]
		assert.Equal(t, prev[len(prev)-10:], next[:10], "chunk %d", i)
		rebuilt += next[10:]
	}
	assert.Equal(t, text, rebuilt)
}

func TestSplit_WordBoundaryOverlap(t *testing.T) {
	c, err := New(WithChunkSize(60), WithOverlap(20))
	require.NoError(t, err)

	var words []string
	for i := 0; i < 100; i++ {
		words = append(words, fmt.Sprintf("w%04d", i))
	}
	chunks := c.Split(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev, next := chunks[i-1], chunks[i]
		shared := 0
		for l := 1; l <= 20 && l <= len(next); l++ {
			if strings.HasSuffix(prev, next[:l]) {
				shared = l
			}
		}
		assert.Greater(t, shared, 0, "chunks %d and %d share no overlap", i-1, i)
		assert.LessOrEqual(t, shared, 20)
	}

	// No word is ever cut in half.
	for _, chunk := range chunks {
		for _, w := range strings.Fields(chunk) {
			assert.Len(t, w, 5)
		}
	}
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	c, err := New(WithChunkSize(60), WithOverlap(0))
	require.NoError(t, err)

	para1 := "The first paragraph talks about apples."
	para2 := "The second paragraph talks about pears."
	chunks := c.Split(para1 + "\n\n" + para2)
	assert.Equal(t, []string{para1, para2}, chunks)
}

func TestSplit_CountsRunesNotBytes(t *testing.T) {
	c, err := New(WithChunkSize(10), WithOverlap(0))
	require.NoError(t, err)

	chunks := c.Split(strings.Repeat("ü", 25))
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 5, utf8.RuneCountInString(chunks[2]))
}

func TestChunk_TagsSourcePageAndPosition(t *testing.T) {
	c, err := New(WithChunkSize(40), WithOverlap(5))
	require.NoError(t, err)

	doc := domain.Document{
		ID: "docs/manual.pdf",
		Pages: []domain.Page{
			{Number: 1, Text: "Short first page."},
			{Number: 2, Text: ""},
			{Number: 3, Text: sampleProse(6)},
		},
	}
	chunks := c.Chunk(doc)
	require.Greater(t, len(chunks), 2)

	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, "Short first page.", chunks[0].Text)
	for i, ch := range chunks {
		assert.Equal(t, "docs/manual.pdf", ch.Source)
		assert.Equal(t, i, ch.Position)
		assert.NotEqual(t, 2, ch.Page, "empty page must not produce chunks")
	}
	assert.Equal(t, 3, chunks[len(chunks)-1].Page)
}

func sampleProse(sentences int) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Sentence number %d describes part %d of the manual. ", i, i*7)
		if i%5 == 4 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}
