// Package sqlitevec adapts an embedded sqlite database to the
// memory.Backend seam. Each collection is one table; embeddings are stored
// as little-endian float32 blobs and similarity search is an exhaustive
// cosine scan computed in-process, mirroring a flat index. Useful for local
// runs and tests where no vector engine is available.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/theapemachine/vectorkv/pkg/config"
	"github.com/theapemachine/vectorkv/pkg/memory"
)

// Backend implements memory.Backend over a sqlite database.
type Backend struct {
	db *sql.DB
}

// New opens (or creates) the sqlite database at path.
func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	// The meta table records each collection and its fixed dimension.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dim  INTEGER NOT NULL
	)`)

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return &Backend{db: db}, nil
}

// NewDefault opens the database at the configured path.
func NewDefault() (*Backend, error) {
	return New(config.Load().SQLite.Path)
}

// Close releases the database handle.
func (backend *Backend) Close() error {
	return backend.db.Close()
}

// HasCollection reports whether the named collection exists.
func (backend *Backend) HasCollection(ctx context.Context, name string) (bool, error) {
	var found string

	err := backend.db.QueryRowContext(ctx, `SELECT name FROM collections WHERE name = ?`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return true, nil
}

// CreateCollection registers the collection and creates its table with an
// index on the key column.
func (backend *Backend) CreateCollection(ctx context.Context, name string, schema memory.Schema) error {
	tx, err := backend.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO collections (name, dim) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, schema.Dimension,
	); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if _, err = tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`, quoteIdent(name),
	)); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if _, err = tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (key)`, quoteIdent(name+"_key_idx"), quoteIdent(name),
	)); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Query returns the records matching the filter. sqlite reads are
// immediately consistent, so the Strong option needs no special handling.
func (backend *Backend) Query(ctx context.Context, collection string, filter memory.Filter, opts memory.QueryOptions) ([]memory.Record, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s`, quoteIdent(collection))
	args := []any{}

	if !filter.All {
		query += ` WHERE key = ?`
		args = append(args, filter.Key)
	}

	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := backend.db.QueryContext(ctx, query, args...)
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
	tx, err := backend.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	defer tx.Rollback()

	statement := fmt.Sprintf(`INSERT INTO %s (key, value, embedding) VALUES (?, ?, ?)`, quoteIdent(collection))

	for _, record := range records {
		if _, err := tx.ExecContext(ctx, statement, record.Key, record.Value, encodeVector(record.Embedding)); err != nil {
			return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Delete removes every row matching the filter.
func (backend *Backend) Delete(ctx context.Context, collection string, filter memory.Filter) error {
	statement := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(collection))
	args := []any{}

	if !filter.All {
		statement += ` WHERE key = ?`
		args = append(args, filter.Key)
	}

	if _, err := backend.db.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Search scans the whole collection and ranks rows by cosine similarity to
// the query vector, best match first.
func (backend *Backend) Search(ctx context.Context, collection string, vector []float32, limit int) ([]memory.ScoredRecord, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	rows, err := backend.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value, embedding FROM %s`, quoteIdent(collection)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	defer rows.Close()

	var records []memory.ScoredRecord

	for rows.Next() {
		var (
			record memory.ScoredRecord
			blob   []byte
		)

		if err := rows.Scan(&record.Key, &record.Value, &blob); err != nil {
			return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}

		record.Embedding = decodeVector(blob)
		record.Score = cosine(vector, record.Embedding)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

// quoteIdent quotes a collection name as a SQL identifier, doubling any
// embedded quote. Go's %q is not identifier escaping.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(vector []float32) []byte {
	blob := make([]byte, 4*len(vector))

	for i, component := range vector {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(component))
	}

	return blob
}

// decodeVector unpacks a blob written by encodeVector.
func decodeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)

	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}

	return vector
}

// cosine computes cosine similarity; mismatched or zero-norm vectors score
// zero rather than erroring, matching how a flat index treats them.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
