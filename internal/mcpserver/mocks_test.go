package mcpserver

import (
	"context"

	"github.com/efebarandurmaz/pdfrag/internal/indexer"
	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

// mockRetriever is a mock implementation of Retriever.
type mockRetriever struct {
	results []vector.Result
	answer  retrieval.Answer
	err     error

	lastK       int
	lastSources bool
}

func (m *mockRetriever) Search(_ context.Context, _ string, k int) ([]vector.Result, error) {
	m.lastK = k
	return m.results, m.err
}

func (m *mockRetriever) Answer(_ context.Context, _ string, showSources bool) (retrieval.Answer, error) {
	m.lastSources = showSources
	return m.answer, m.err
}

// mockIndexer is a mock implementation of Indexer.
type mockIndexer struct {
	result indexer.Result
	err    error

	lastPath  string
	lastForce bool

	chunks map[string]int
}

func (m *mockIndexer) Index(_ context.Context, path string, force bool) (indexer.Result, error) {
	m.lastPath = path
	m.lastForce = force
	return m.result, m.err
}

func (m *mockIndexer) Status(_ context.Context, path string) (int, error) {
	m.lastPath = path
	return m.chunks[path], m.err
}

// mockCollection is a mock implementation of Collection.
type mockCollection struct {
	info vector.CollectionInfo
	err  error
}

func (m *mockCollection) Info(_ context.Context) (vector.CollectionInfo, error) {
	return m.info, m.err
}
