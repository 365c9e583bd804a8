package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/pdfrag/internal/document/pdftest"
	"github.com/efebarandurmaz/pdfrag/internal/domain"
)

func TestStat_NotFound(t *testing.T) {
	l := NewPDFLoader(nil)
	err := l.Stat("/no/such/file.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStat_OtherErrorsAreNotNotFound(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	// A regular file used as a directory fails with ENOTDIR.
	err := NewPDFLoader(nil).Stat(filepath.Join(file, "doc.pdf"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
	var pathErr *os.PathError
	assert.True(t, errors.As(err, &pathErr))
}

func TestStat_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	err := NewPDFLoader(nil).Stat(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}

func TestStat_Directory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "folder.pdf")
	require.NoError(t, os.Mkdir(dir, 0o755))

	err := NewPDFLoader(nil).Stat(dir)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}

func TestStat_UppercaseExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "REPORT.PDF")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	assert.NoError(t, NewPDFLoader(nil).Stat(path))
}

func TestLoad_NotFound(t *testing.T) {
	_, err := NewPDFLoader(nil).Load(context.Background(), "/no/such/file.pdf")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestLoad_CorruptPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a pdf at all"), 0o644))

	_, err := NewPDFLoader(nil).Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}

func TestLoad_PagesAreOneBased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two-pages.pdf")
	require.NoError(t, os.WriteFile(path, pdftest.Build("Hello page one", "Zebra on page two"), 0o644))

	doc, err := NewPDFLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, path, doc.ID)
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, 2, doc.Pages[1].Number)
	assert.Contains(t, doc.Pages[0].Text, "Hello")
	assert.Contains(t, doc.Pages[1].Text, "Zebra")
}

func TestLoad_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one-page.pdf")
	require.NoError(t, os.WriteFile(path, pdftest.Build("Hello"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPDFLoader(nil).Load(ctx, path)
	assert.True(t, errors.Is(err, context.Canceled))
}
