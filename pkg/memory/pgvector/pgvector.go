// Package pgvector adapts a PostgreSQL database with the pgvector extension
// to the memory.Backend seam. Each collection is one table with a vector
// column; similarity search uses the extension's cosine distance operator.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theapemachine/vectorkv/pkg/config"
	"github.com/theapemachine/vectorkv/pkg/memory"
)

// Backend implements memory.Backend over a PostgreSQL connection pool.
type Backend struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL with the given DSN and prepares the meta
// table that records each collection and its dimension.
func New(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS vectorkv_collections (
		name TEXT PRIMARY KEY,
		dim  INTEGER NOT NULL
	)`)

	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return &Backend{pool: pool}, nil
}

// NewDefault connects using the environment configuration.
func NewDefault(ctx context.Context) (*Backend, error) {
	return New(ctx, config.Load().Postgres.DSN)
}

// Close releases the connection pool.
func (backend *Backend) Close() {
	backend.pool.Close()
}

// HasCollection reports whether the named collection exists.
func (backend *Backend) HasCollection(ctx context.Context, name string) (bool, error) {
	var found string

	err := backend.pool.QueryRow(ctx, `SELECT name FROM vectorkv_collections WHERE name = $1`, name).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return true, nil
}

// CreateCollection ensures the pgvector extension, registers the
// collection, and creates its table with a key index.
func (backend *Backend) CreateCollection(ctx context.Context, name string, schema memory.Schema) error {
	if _, err := backend.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if _, err := backend.pool.Exec(ctx,
		`INSERT INTO vectorkv_collections (name, dim) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, schema.Dimension,
	); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if _, err := backend.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL
		)`, quoteIdent(name), schema.Dimension,
	)); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if _, err := backend.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (key)`, quoteIdent(name+"_key_idx"), quoteIdent(name),
	)); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Query returns the records matching the filter.
func (backend *Backend) Query(ctx context.Context, collection string, filter memory.Filter, opts memory.QueryOptions) ([]memory.Record, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s`, quoteIdent(collection))
	args := []any{}

	if !filter.All {
		query += ` WHERE key = $1`
		args = append(args, filter.Key)
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := backend.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	defer rows.Close()

	var records []memory.Record

	for rows.Next() {
		var record memory.Record

		if err := rows.Scan(&record.Key, &record.Value); err != nil {
			return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return records, nil
}

// Insert adds one row per record.
func (backend *Backend) Insert(ctx context.Context, collection string, records ...memory.Record) error {
	statement := fmt.Sprintf(`INSERT INTO %s (key, value, embedding) VALUES ($1, $2, $3::vector)`, quoteIdent(collection))

	for _, record := range records {
		if _, err := backend.pool.Exec(ctx, statement, record.Key, record.Value, VectorLiteral(record.Embedding)); err != nil {
			return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}
	}

	return nil
}

// Delete removes every row matching the filter.
func (backend *Backend) Delete(ctx context.Context, collection string, filter memory.Filter) error {
	statement := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(collection))
	args := []any{}

	if !filter.All {
		statement += ` WHERE key = $1`
		args = append(args, filter.Key)
	}

	if _, err := backend.pool.Exec(ctx, statement, args...); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Search ranks rows by cosine similarity to the query vector, best match
// first. pgvector's <=> operator yields cosine distance, so the score is
// its complement.
func (backend *Backend) Search(ctx context.Context, collection string, vector []float32, limit int) ([]memory.ScoredRecord, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT key, value, 1 - (embedding <=> $1::vector) AS score
		 FROM %s
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`, quoteIdent(collection),
	)

	rows, err := backend.pool.Query(ctx, query, VectorLiteral(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	defer rows.Close()

	var records []memory.ScoredRecord

	for rows.Next() {
		var (
			record memory.ScoredRecord
			score  float64
		)

		if err := rows.Scan(&record.Key, &record.Value, &score); err != nil {
			return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}

		record.Score = float32(score)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return records, nil
}

// quoteIdent quotes a collection name as a SQL identifier, doubling any
// embedded quote. Go's %q is not identifier escaping.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// VectorLiteral renders a vector in pgvector's input syntax, e.g. [1,0,2.5].
func VectorLiteral(vector []float32) string {
	var builder strings.Builder

	builder.WriteByte('[')

	for i, component := range vector {
		if i > 0 {
			builder.WriteByte(',')
		}

		builder.WriteString(strconv.FormatFloat(float64(component), 'g', -1, 32))
	}

	builder.WriteByte(']')
	return builder.String()
}
