package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store on PostgreSQL. Every document lives as a jsonb
// row in a single documents table keyed by (collection, id); per-row writes
// give the per-document atomicity the Store contract promises, and nothing
// more.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Migrate creates the documents table and its indexes if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    data       JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *PGStore) Set(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, raw)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, collection, id string, fields Document) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
WHERE collection = $1 AND id = $2`,
		collection, id, raw)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIf performs the compare-and-set as one conditional UPDATE; the
// jsonb containment check and the merge execute in the same statement.
func (s *PGStore) UpdateIf(ctx context.Context, collection, id, field string, expect interface{}, fields Document) error {
	cond, err := json.Marshal(Document{field: expect})
	if err != nil {
		return fmt.Errorf("encode precondition for %s/%s: %w", collection, id, err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
WHERE collection = $1 AND id = $2 AND data @> $4::jsonb`,
		collection, id, raw, cond)
	if err != nil {
		return fmt.Errorf("conditional update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Distinguish a failed precondition from a missing document.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		collection, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conditional update %s/%s: %w", collection, id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PGStore) Query(ctx context.Context, collection string, filter Filter, limit int) ([]Document, error) {
	if filter == nil {
		filter = Filter{}
	}
	cond, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter for %s: %w", collection, err)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT data FROM documents WHERE collection = $1 AND data @> $2::jsonb LIMIT $3`,
		collection, cond, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode document in %s: %w", collection, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PGStore) IDs(ctx context.Context, collection string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM documents WHERE collection = $1 ORDER BY id LIMIT $2`,
		collection, limit)
	if err != nil {
		return nil, fmt.Errorf("ids %s: %w", collection, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ids %s: %w", collection, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
