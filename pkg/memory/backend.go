package memory

import "context"

// Record is the unit of storage a backend deals in: a unique key, the
// payload already encoded by the store's codec, and the embedding vector.
type Record struct {
	Key       string
	Value     string
	Embedding []float32
}

// ScoredRecord is a Record returned from a similarity search together with
// its cosine similarity score.
type ScoredRecord struct {
	Record
	Score float32
}

// Schema describes the collection a backend must create: a string key of at
// most KeyMaxLength, an encoded value of at most ValueMaxLength, and a
// float vector of the given dimension carrying a flat cosine index.
type Schema struct {
	Dimension int
}

// Field length caps for the collection schema.
const (
	KeyMaxLength   = 256
	ValueMaxLength = 65535
)

// Filter restricts a query or delete to a subset of a collection. The store
// only ever needs two shapes: a single-key match and "every record".
type Filter struct {
	// Key is the exact key to match. Ignored when All is set.
	Key string
	// All matches every live record (key != "").
	All bool
}

// MatchKey filters to the single record with the given key.
func MatchKey(key string) Filter { return Filter{Key: key} }

// MatchAll filters to every live record in the collection.
func MatchAll() Filter { return Filter{All: true} }

// QueryOptions tunes a backend query.
type QueryOptions struct {
	// Fields names the record fields the caller needs ("key", "value",
	// "embedding"). An empty slice means all fields.
	Fields []string
	// Limit caps the number of returned records. Zero means no cap.
	Limit int
	// Strong requests the backend's strongest read consistency, so the
	// query observes every write completed before the call.
	Strong bool
}

// Backend is the connection to a vector-capable storage engine. The store is
// a facade over this seam; swapping engines (Qdrant, sqlite, Postgres) means
// swapping the Backend, never touching callers.
//
// Implementations must be safe for concurrent use and must wrap every
// connector or engine failure in ErrBackendUnavailable. Querying a
// collection that does not exist returns no records and no error.
type Backend interface {
	// HasCollection reports whether the named collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// CreateCollection defines the named collection with the key/value/
	// embedding schema and a flat cosine index over the embedding field.
	// Creating a collection that already exists is not an error.
	CreateCollection(ctx context.Context, name string, schema Schema) error

	// Query returns the records matching the filter.
	Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]Record, error)

	// Insert adds the given records. It does not overwrite: the store
	// deletes a key's previous record before inserting its replacement.
	Insert(ctx context.Context, collection string, records ...Record) error

	// Delete removes every record matching the filter.
	Delete(ctx context.Context, collection string, filter Filter) error

	// Search returns up to limit records nearest to the query vector under
	// cosine similarity, best match first, read at strong consistency.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredRecord, error)
}
