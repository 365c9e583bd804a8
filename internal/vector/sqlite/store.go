// Package sqlite is a single-file vector store on the pure-Go modernc SQLite
// driver. Similarity search is a brute-force cosine scan, which suits
// collections of a few documents.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/efebarandurmaz/pdfrag/internal/vector"
	"github.com/efebarandurmaz/pdfrag/internal/vector/sqlite/migrations"
)

const backendName = "sqlite"

// Store implements vector.Store on one SQLite database file. Several
// collections may share a file.
type Store struct {
	db         *sql.DB
	path       string
	collection string
}

// New opens (creating if needed) the database at path and registers
// collection with the given embedding model.
func New(ctx context.Context, path, collection, embeddingModel string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, vector.Errorf(backendName, "open", fmt.Errorf("creating data directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, vector.Errorf(backendName, "open", err)
	}

	s := &Store{db: db, path: path, collection: collection}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, vector.Errorf(backendName, "migrate", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO collections (name, embedding_model) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET
			embedding_model = CASE WHEN collections.embedding_model = '' THEN excluded.embedding_model
			                       ELSE collections.embedding_model END
	`, collection, embeddingModel)
	if err != nil {
		db.Close()
		return nil, vector.Errorf(backendName, "open", fmt.Errorf("registering collection: %w", err))
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// migrate applies every *.up.sql file newer than the recorded version.
func (s *Store) migrate(ctx context.Context, fsys fs.FS) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Add implements vector.Store. The batch is written in one transaction.
func (s *Store) Add(ctx context.Context, records []vector.Record) error {
	dim, err := vector.ValidateBatch(records)
	if err != nil || len(records) == 0 {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vector.Errorf(backendName, "add", err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "SELECT dimension FROM collections WHERE name = ?", s.collection).Scan(&stored); err != nil {
		return vector.Errorf(backendName, "add", err)
	}
	switch {
	case stored == 0:
		if _, err := tx.ExecContext(ctx, "UPDATE collections SET dimension = ? WHERE name = ?", dim, s.collection); err != nil {
			return vector.Errorf(backendName, "add", err)
		}
	case stored != dim:
		return vector.DimensionError(backendName, dim, stored)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (id, collection, source, page, position, document, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			page = excluded.page,
			position = excluded.position,
			document = excluded.document,
			embedding = excluded.embedding
	`)
	if err != nil {
		return vector.Errorf(backendName, "add", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.ID, s.collection, r.Metadata.Source, r.Metadata.Page,
			r.Metadata.Position, r.Text, float32SliceToBytes(r.Vector))
		if err != nil {
			return vector.Errorf(backendName, "add", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return vector.Errorf(backendName, "add", err)
	}
	return nil
}

// Search implements vector.Store.
func (s *Store) Search(ctx context.Context, query []float32, k int, filter vector.Filter) ([]vector.Result, error) {
	if k <= 0 {
		return []vector.Result{}, nil
	}

	q := "SELECT id, source, page, position, document, embedding FROM embeddings WHERE collection = ?"
	args := []any{s.collection}
	if !filter.IsZero() {
		q += " AND source = ?"
		args = append(args, filter.Source)
	}
	q += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, vector.Errorf(backendName, "search", err)
	}
	defer rows.Close()

	results := []vector.Result{}
	for rows.Next() {
		var (
			r    vector.Result
			blob []byte
		)
		if err := rows.Scan(&r.ID, &r.Metadata.Source, &r.Metadata.Page, &r.Metadata.Position, &r.Text, &blob); err != nil {
			return nil, vector.Errorf(backendName, "search", err)
		}
		r.Vector = bytesToFloat32Slice(blob)
		r.Score = vector.Cosine(query, r.Vector)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, vector.Errorf(backendName, "search", err)
	}
	return vector.TopK(results, k), nil
}

// Count implements vector.Store.
func (s *Store) Count(ctx context.Context, filter vector.Filter) (int, error) {
	q := "SELECT COUNT(*) FROM embeddings WHERE collection = ?"
	args := []any{s.collection}
	if !filter.IsZero() {
		q += " AND source = ?"
		args = append(args, filter.Source)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, vector.Errorf(backendName, "count", err)
	}
	return n, nil
}

// Delete implements vector.Store.
func (s *Store) Delete(ctx context.Context, filter vector.Filter) error {
	if filter.IsZero() {
		return vector.ErrZeroFilter
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE collection = ? AND source = ?", s.collection, filter.Source)
	return vector.Errorf(backendName, "delete", err)
}

// Info implements vector.Store.
func (s *Store) Info(ctx context.Context) (vector.CollectionInfo, error) {
	info := vector.CollectionInfo{Name: s.collection, Backend: backendName}

	err := s.db.QueryRowContext(ctx, "SELECT embedding_model FROM collections WHERE name = ?", s.collection).
		Scan(&info.EmbeddingModel)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return vector.CollectionInfo{}, vector.Errorf(backendName, "info", err)
	}

	n, err := s.Count(ctx, vector.Filter{})
	if err != nil {
		return vector.CollectionInfo{}, err
	}
	info.Count = n
	info.HasDocuments = n > 0
	return info, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// float32SliceToBytes encodes floats as little-endian IEEE 754 words.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice decodes the output of float32SliceToBytes.
func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

var _ vector.Store = (*Store)(nil)
