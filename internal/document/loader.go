// Package document loads page-level text from source files.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/tabula"
	"github.com/tsawler/tabula/reader"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
)

// Loader reads a document into pages.
type Loader interface {
	// Stat checks that path names an existing file of a supported type
	// without reading its content.
	Stat(path string) error
	// Load extracts the text of every page of path.
	Load(ctx context.Context, path string) (domain.Document, error)
}

// PDFLoader loads PDF files with tabula.
type PDFLoader struct {
	logger *slog.Logger
}

// NewPDFLoader returns a loader for .pdf files.
func NewPDFLoader(logger *slog.Logger) *PDFLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFLoader{logger: logger}
}

// Stat implements Loader.
func (l *PDFLoader) Stat(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrUnsupportedFormat, path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".pdf" {
		return fmt.Errorf("%w: %q files are not supported, only .pdf", domain.ErrUnsupportedFormat, ext)
	}
	return nil
}

// Load implements Loader. Page numbers start at 1.
func (l *PDFLoader) Load(ctx context.Context, path string) (domain.Document, error) {
	if err := l.Stat(path); err != nil {
		return domain.Document{}, err
	}

	r, err := reader.Open(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: opening %s: %v", domain.ErrUnsupportedFormat, path, err)
	}
	defer r.Close()

	count, err := r.PageCount()
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: reading page tree of %s: %v", domain.ErrUnsupportedFormat, path, err)
	}

	doc := domain.Document{ID: path, Pages: make([]domain.Page, 0, count)}
	for n := 1; n <= count; n++ {
		if err := ctx.Err(); err != nil {
			return domain.Document{}, err
		}
		text, warnings, err := tabula.FromReader(r).Pages(n).Text()
		if err != nil {
			return domain.Document{}, fmt.Errorf("%w: extracting page %d of %s: %v", domain.ErrUnsupportedFormat, n, path, err)
		}
		if len(warnings) > 0 {
			l.logger.Debug("pdf extraction warnings", "path", path, "page", n, "count", len(warnings))
		}
		doc.Pages = append(doc.Pages, domain.Page{Number: n, Text: text})
	}

	l.logger.Debug("loaded document", "path", path, "pages", count)
	return doc, nil
}

var _ Loader = (*PDFLoader)(nil)
