package mcpserver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/indexer"
	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

func result(source string, page int, score float32, text string) vector.Result {
	return vector.Result{
		Record: vector.Record{Text: text, Metadata: vector.Metadata{Source: source, Page: page}},
		Score:  score,
	}
}

func newTestServer(t *testing.T, ports *Ports) *Server {
	t.Helper()
	s, err := New(ports, nil)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresRetriever(t *testing.T) {
	_, err := New(&Ports{Indexer: &mockIndexer{}}, nil)
	require.ErrorIs(t, err, ErrMissingRetriever)

	_, err = New(nil, nil)
	require.ErrorIs(t, err, ErrMissingRetriever)
}

func TestHandleSearch(t *testing.T) {
	r := &mockRetriever{results: []vector.Result{
		result("a.pdf", 2, 0.9, "zebra   stripes\nzebra"),
		result("b.pdf", 3, 0.4, strings.Repeat("x", 400)),
	}}
	s := newTestServer(t, &Ports{Retriever: r})

	_, out, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "zebra", K: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, r.lastK)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "a.pdf", out.Results[0].Source)
	assert.Equal(t, 2, out.Results[0].Page)
	assert.InDelta(t, 0.9, out.Results[0].Score, 1e-6)
	assert.Equal(t, "zebra stripes zebra", out.Results[0].Text)
	assert.Equal(t, strings.Repeat("x", 300)+"…", out.Results[1].Text)
}

func TestHandleSearch_EmptyQuery(t *testing.T) {
	r := &mockRetriever{}
	s := newTestServer(t, &Ports{Retriever: r})

	_, _, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "  "})
	require.Error(t, err)
	assert.Zero(t, r.lastK)
}

func TestHandleSearch_Error(t *testing.T) {
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{err: domain.ErrRetrieval}})

	_, _, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "zebra"})
	require.ErrorIs(t, err, domain.ErrRetrieval)
}

func TestHandleSearch_NoResults(t *testing.T) {
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{results: []vector.Result{}}})

	_, out, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "zebra"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Results)
}

func TestHandleAnswer(t *testing.T) {
	r := &mockRetriever{answer: retrieval.Answer{
		Text:    "Zebras are striped.",
		Sources: []retrieval.Source{{Source: "a.pdf", Page: 2, Excerpt: "zebra"}},
		Used:    2,
		Dropped: 1,
	}}
	s := newTestServer(t, &Ports{Retriever: r})

	_, out, err := s.handleAnswer(context.Background(), nil, AnswerInput{Query: "zebra?", ShowSources: true})
	require.NoError(t, err)

	assert.True(t, r.lastSources)
	assert.Equal(t, "Zebras are striped.", out.Answer)
	assert.Equal(t, 2, out.Used)
	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "a.pdf", out.Sources[0].Source)
}

func TestHandleAnswer_Errors(t *testing.T) {
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{err: domain.ErrGeneration}})

	_, _, err := s.handleAnswer(context.Background(), nil, AnswerInput{Query: ""})
	require.Error(t, err)

	_, _, err = s.handleAnswer(context.Background(), nil, AnswerInput{Query: "zebra?"})
	require.ErrorIs(t, err, domain.ErrGeneration)
}

func TestHandleIndex(t *testing.T) {
	ix := &mockIndexer{result: indexer.Result{Source: "/docs/a.pdf", Chunks: 4, Pages: 2, Replaced: 3}}
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{}, Indexer: ix})

	_, out, err := s.handleIndex(context.Background(), nil, IndexInput{Path: "/docs/a.pdf", Force: true})
	require.NoError(t, err)

	assert.Equal(t, "/docs/a.pdf", ix.lastPath)
	assert.True(t, ix.lastForce)
	assert.Equal(t, IndexOutput{Source: "/docs/a.pdf", Chunks: 4, Pages: 2, Replaced: 3}, out)
}

func TestHandleIndex_Errors(t *testing.T) {
	ix := &mockIndexer{err: domain.ErrUnsupportedFormat}
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{}, Indexer: ix})

	_, _, err := s.handleIndex(context.Background(), nil, IndexInput{})
	require.Error(t, err)
	assert.Empty(t, ix.lastPath)

	_, _, err = s.handleIndex(context.Background(), nil, IndexInput{Path: "notes.txt"})
	require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestHandleStatus(t *testing.T) {
	ix := &mockIndexer{chunks: map[string]int{"/docs/a.pdf": 6}}
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{}, Indexer: ix})

	_, out, err := s.handleStatus(context.Background(), nil, StatusInput{Path: "/docs/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, StatusOutput{Source: "/docs/a.pdf", Indexed: true, Chunks: 6}, out)

	_, out, err = s.handleStatus(context.Background(), nil, StatusInput{Path: "/docs/b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, StatusOutput{Source: "/docs/b.pdf"}, out)

	_, _, err = s.handleStatus(context.Background(), nil, StatusInput{Path: "  "})
	require.Error(t, err)

	ix.err = domain.ErrVectorStore
	_, _, err = s.handleStatus(context.Background(), nil, StatusInput{Path: "/docs/a.pdf"})
	require.ErrorIs(t, err, domain.ErrVectorStore)
}

func TestServer_CallDocumentStatus(t *testing.T) {
	ix := &mockIndexer{chunks: map[string]int{"a.pdf": 3}}
	cs := connect(t, newTestServer(t, &Ports{Retriever: &mockRetriever{}, Indexer: ix}))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "document_status",
		Arguments: map[string]any{"path": "a.pdf"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"indexed":true`)
	assert.Contains(t, text.Text, `"chunks":3`)
}

func TestHandleInfo(t *testing.T) {
	c := &mockCollection{info: vector.CollectionInfo{
		Name: "docs_pdf", HasDocuments: true, Count: 12, EmbeddingModel: "text-embedding-3-small", Backend: "sqlite",
	}}
	s := newTestServer(t, &Ports{Retriever: &mockRetriever{}, Collection: c})

	_, out, err := s.handleInfo(context.Background(), nil, InfoInput{})
	require.NoError(t, err)
	assert.Equal(t, "docs_pdf", out.Name)
	assert.Equal(t, 12, out.Count)
	assert.Equal(t, "sqlite", out.Backend)

	c.err = errors.New("store down")
	_, _, err = s.handleInfo(context.Background(), nil, InfoInput{})
	require.Error(t, err)
}

// connect runs s over in-memory transports and returns a client session.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcp.NewInMemoryTransports()

	ss, err := s.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestServer_ListTools(t *testing.T) {
	tests := []struct {
		name  string
		ports *Ports
		want  []string
	}{
		{"retriever only", &Ports{Retriever: &mockRetriever{}}, []string{"answer", "search"}},
		{"all ports", &Ports{Retriever: &mockRetriever{}, Indexer: &mockIndexer{}, Collection: &mockCollection{}},
			[]string{"answer", "collection_info", "document_status", "index", "search"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := connect(t, newTestServer(t, tt.ports))

			res, err := cs.ListTools(context.Background(), nil)
			require.NoError(t, err)

			var names []string
			for _, tool := range res.Tools {
				names = append(names, tool.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestServer_CallSearch(t *testing.T) {
	r := &mockRetriever{results: []vector.Result{result("a.pdf", 2, 0.9, "zebra stripes")}}
	cs := connect(t, newTestServer(t, &Ports{Retriever: r}))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search",
		Arguments: map[string]any{"query": "zebra", "k": 1},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"source":"a.pdf"`)
	assert.Equal(t, 1, r.lastK)
}

func TestServer_CallToolError(t *testing.T) {
	cs := connect(t, newTestServer(t, &Ports{Retriever: &mockRetriever{err: domain.ErrRetrieval}}))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "answer",
		Arguments: map[string]any{"query": "zebra?"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
