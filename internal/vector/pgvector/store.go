// Package pgvector stores records in PostgreSQL with the pgvector extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

const backendName = "pgvector"

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	embedding_model TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS embeddings (
	id         TEXT PRIMARY KEY,
	collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
	source     TEXT NOT NULL,
	page       INTEGER NOT NULL,
	position   INTEGER NOT NULL,
	document   TEXT NOT NULL,
	embedding  vector NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_collection_source ON embeddings(collection, source);
`

const upsertEmbedding = `
INSERT INTO embeddings (id, collection, source, page, position, document, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	source = EXCLUDED.source,
	page = EXCLUDED.page,
	position = EXCLUDED.position,
	document = EXCLUDED.document,
	embedding = EXCLUDED.embedding
`

// Store implements vector.Store on a pgxpool. Several collections may share
// one database.
type Store struct {
	pool       *pgxpool.Pool
	collection string
}

// New connects to dsn, creates the extension and tables when missing and
// registers collection with the given embedding model.
func New(ctx context.Context, dsn, collection, embeddingModel string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres dsn: %w", domain.ErrConfiguration, err)
	}

	// The vector type only exists once the extension is created, so the
	// schema goes through a plain connection before the pool registers types.
	if err := bootstrap(ctx, cfg.ConnConfig.Copy(), collection, embeddingModel); err != nil {
		return nil, vector.Errorf(backendName, "open", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, vector.Errorf(backendName, "open", err)
	}
	return &Store{pool: pool, collection: collection}, nil
}

func bootstrap(ctx context.Context, cfg *pgx.ConnConfig, collection, embeddingModel string) error {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO collections (name, embedding_model) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET embedding_model =
			CASE WHEN collections.embedding_model = '' THEN EXCLUDED.embedding_model
			     ELSE collections.embedding_model END
	`, collection, embeddingModel)
	if err != nil {
		return fmt.Errorf("registering collection: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return vector.Errorf(backendName, "ping", s.pool.Ping(ctx))
}

// Add implements vector.Store. The batch is written in one transaction.
func (s *Store) Add(ctx context.Context, records []vector.Record) error {
	dim, err := vector.ValidateBatch(records)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return vector.Errorf(backendName, "add", err)
	}
	defer tx.Rollback(ctx)

	var existing int
	err = tx.QueryRow(ctx,
		`SELECT vector_dims(embedding) FROM embeddings WHERE collection = $1 LIMIT 1`,
		s.collection).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return vector.Errorf(backendName, "add", err)
	case existing != dim:
		return vector.DimensionError(backendName, dim, existing)
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertEmbedding,
			r.ID, s.collection, r.Metadata.Source, r.Metadata.Page, r.Metadata.Position,
			r.Text, pgvector.NewVector(r.Vector))
	}
	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return vector.Errorf(backendName, "add", fmt.Errorf("record %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return vector.Errorf(backendName, "add", err)
	}

	return vector.Errorf(backendName, "add", tx.Commit(ctx))
}

// Search implements vector.Store using cosine distance.
func (s *Store) Search(ctx context.Context, query []float32, k int, filter vector.Filter) ([]vector.Result, error) {
	if k <= 0 {
		return []vector.Result{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, document, source, page, position, 1 - (embedding <=> $1) AS score
		FROM embeddings
		WHERE collection = $2 AND ($3::text = '' OR source = $3)
		ORDER BY embedding <=> $1, id
		LIMIT $4
	`, pgvector.NewVector(query), s.collection, filter.Source, k)
	if err != nil {
		return nil, vector.Errorf(backendName, "search", err)
	}
	defer rows.Close()

	results := []vector.Result{}
	for rows.Next() {
		var (
			r     vector.Result
			score float64
		)
		if err := rows.Scan(&r.ID, &r.Text, &r.Metadata.Source, &r.Metadata.Page, &r.Metadata.Position, &score); err != nil {
			return nil, vector.Errorf(backendName, "search", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, vector.Errorf(backendName, "search", err)
	}
	return results, nil
}

// Count implements vector.Store.
func (s *Store) Count(ctx context.Context, filter vector.Filter) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE collection = $1 AND ($2::text = '' OR source = $2)`,
		s.collection, filter.Source).Scan(&n)
	if err != nil {
		return 0, vector.Errorf(backendName, "count", err)
	}
	return n, nil
}

// Delete implements vector.Store.
func (s *Store) Delete(ctx context.Context, filter vector.Filter) error {
	if filter.IsZero() {
		return vector.ErrZeroFilter
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE collection = $1 AND source = $2`,
		s.collection, filter.Source)
	return vector.Errorf(backendName, "delete", err)
}

// Info implements vector.Store.
func (s *Store) Info(ctx context.Context) (vector.CollectionInfo, error) {
	info := vector.CollectionInfo{Name: s.collection, Backend: backendName}
	err := s.pool.QueryRow(ctx, `
		SELECT c.embedding_model, (SELECT COUNT(*) FROM embeddings e WHERE e.collection = c.name)
		FROM collections c WHERE c.name = $1
	`, s.collection).Scan(&info.EmbeddingModel, &info.Count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return vector.CollectionInfo{}, vector.Errorf(backendName, "info", err)
	}
	info.HasDocuments = info.Count > 0
	return info, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ vector.Store = (*Store)(nil)
