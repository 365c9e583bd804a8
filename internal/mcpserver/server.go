// Package mcpserver exposes indexing, search, answering and collection info
// as Model Context Protocol tools over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/efebarandurmaz/pdfrag/internal/indexer"
	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

// Version is the MCP server version.
const Version = "0.1.0"

// ErrMissingRetriever is returned when Ports has no Retriever.
var ErrMissingRetriever = errors.New("mcpserver: retriever is required")

// Retriever searches and answers.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]vector.Result, error)
	Answer(ctx context.Context, query string, showSources bool) (retrieval.Answer, error)
}

// Indexer indexes documents and reports what is indexed for one.
type Indexer interface {
	Index(ctx context.Context, path string, force bool) (indexer.Result, error)
	Status(ctx context.Context, path string) (int, error)
}

// Collection describes the collection.
type Collection interface {
	Info(ctx context.Context) (vector.CollectionInfo, error)
}

// Ports are the services the tools call. Indexer and Collection are
// optional; their tools are not registered when nil.
type Ports struct {
	Retriever  Retriever
	Indexer    Indexer
	Collection Collection
}

// Validate ensures the required ports are set.
func (p *Ports) Validate() error {
	if p == nil || p.Retriever == nil {
		return ErrMissingRetriever
	}
	return nil
}

// Server is the pdfrag MCP server.
type Server struct {
	ports  *Ports
	server *mcp.Server
	logger *slog.Logger
}

// New creates a server with the tools for the given ports.
func New(ports *Ports, logger *slog.Logger) (*Server, error) {
	if err := ports.Validate(); err != nil {
		return nil, fmt.Errorf("validating ports: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ports:  ports,
		server: mcp.NewServer(&mcp.Implementation{Name: "pdfrag", Version: Version}, nil),
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t, for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
