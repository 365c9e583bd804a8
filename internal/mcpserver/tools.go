package mcpserver

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
)

// excerptRunes bounds the chunk text returned by the search tool.
const excerptRunes = 300

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the text to search the indexed documents for"`
	K     int    `json:"k,omitempty" jsonschema:"maximum number of chunks to return (default from configuration)"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// SearchResult is one matching chunk.
type SearchResult struct {
	Source string  `json:"source"`
	Page   int     `json:"page"`
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
}

// AnswerInput is the input schema for the answer tool.
type AnswerInput struct {
	Query       string `json:"query" jsonschema:"the question to answer from the indexed documents"`
	ShowSources bool   `json:"show_sources,omitempty" jsonschema:"include the source chunks used for the answer"`
}

// AnswerOutput is the output schema for the answer tool.
type AnswerOutput struct {
	Answer  string             `json:"answer"`
	Sources []retrieval.Source `json:"sources,omitempty"`
	Used    int                `json:"used"`
	Dropped int                `json:"dropped"`
}

// IndexInput is the input schema for the index tool.
type IndexInput struct {
	Path  string `json:"path" jsonschema:"path of the PDF file to index"`
	Force bool   `json:"force,omitempty" jsonschema:"replace the document's chunks if it is already indexed"`
}

// IndexOutput is the output schema for the index tool.
type IndexOutput struct {
	Source   string `json:"source"`
	Chunks   int    `json:"chunks"`
	Pages    int    `json:"pages"`
	Skipped  bool   `json:"skipped"`
	Replaced int    `json:"replaced"`
}

// StatusInput is the input schema for the document_status tool.
type StatusInput struct {
	Path string `json:"path" jsonschema:"path of the PDF file as it was given to index"`
}

// StatusOutput is the output schema for the document_status tool.
type StatusOutput struct {
	Source  string `json:"source"`
	Indexed bool   `json:"indexed"`
	Chunks  int    `json:"chunks"`
}

// InfoInput is the empty input of the collection_info tool.
type InfoInput struct{}

// InfoOutput is the output schema for the collection_info tool.
type InfoOutput struct {
	Name           string `json:"name"`
	HasDocuments   bool   `json:"has_documents"`
	Count          int    `json:"count"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	Backend        string `json:"backend"`
}

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Find the indexed PDF chunks most similar to a query, with source file and page",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "answer",
		Description: "Answer a question using only the indexed PDF documents",
	}, s.handleAnswer)

	if s.ports.Indexer != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "index",
			Description: "Index a PDF file so that it can be searched; already indexed files are skipped unless force is set",
		}, s.handleIndex)

		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "document_status",
			Description: "Report whether a PDF file is indexed and how many chunks it has",
		}, s.handleStatus)
	}

	if s.ports.Collection != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "collection_info",
			Description: "Describe the vector collection: name, document count, embedding model and backend",
		}, s.handleInfo)
	}
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, errors.New("query is required")
	}

	results, err := s.ports.Retriever.Search(ctx, input.Query, input.K)
	if err != nil {
		s.logger.Error("search tool failed", "error", err)
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResult, len(results)),
		Count:   len(results),
	}
	for i, r := range results {
		output.Results[i] = SearchResult{
			Source: r.Metadata.Source,
			Page:   r.Metadata.Page,
			Score:  float64(r.Score),
			Text:   retrieval.Excerpt(r.Text, excerptRunes),
		}
	}
	return nil, output, nil
}

func (s *Server) handleAnswer(ctx context.Context, _ *mcp.CallToolRequest, input AnswerInput) (*mcp.CallToolResult, AnswerOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, AnswerOutput{}, errors.New("query is required")
	}

	ans, err := s.ports.Retriever.Answer(ctx, input.Query, input.ShowSources)
	if err != nil {
		s.logger.Error("answer tool failed", "error", err)
		return nil, AnswerOutput{}, err
	}
	return nil, AnswerOutput{
		Answer:  ans.Text,
		Sources: ans.Sources,
		Used:    ans.Used,
		Dropped: ans.Dropped,
	}, nil
}

func (s *Server) handleIndex(ctx context.Context, _ *mcp.CallToolRequest, input IndexInput) (*mcp.CallToolResult, IndexOutput, error) {
	if strings.TrimSpace(input.Path) == "" {
		return nil, IndexOutput{}, errors.New("path is required")
	}

	res, err := s.ports.Indexer.Index(ctx, input.Path, input.Force)
	if err != nil {
		return nil, IndexOutput{}, err
	}
	return nil, IndexOutput{
		Source:   res.Source,
		Chunks:   res.Chunks,
		Pages:    res.Pages,
		Skipped:  res.Skipped,
		Replaced: res.Replaced,
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	if strings.TrimSpace(input.Path) == "" {
		return nil, StatusOutput{}, errors.New("path is required")
	}

	n, err := s.ports.Indexer.Status(ctx, input.Path)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{Source: input.Path, Indexed: n > 0, Chunks: n}, nil
}

func (s *Server) handleInfo(ctx context.Context, _ *mcp.CallToolRequest, _ InfoInput) (*mcp.CallToolResult, InfoOutput, error) {
	info, err := s.ports.Collection.Info(ctx)
	if err != nil {
		return nil, InfoOutput{}, err
	}
	return nil, InfoOutput(info), nil
}
