// Package memory provides long-term key-value memory with embeddings: exact
// lookup by key, top-k cosine similarity search over the embedding vectors,
// and the usual collection operations on top of a pluggable vector backend.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Defaults for the bounded operations.
const (
	// DefaultKeysLimit caps a Keys page when the caller passes no limit.
	DefaultKeysLimit = 10
	// DefaultTopK caps a similarity search when the caller passes no limit.
	DefaultTopK = 10
)

// Store is a key-value store over a named collection in a vector backend.
// Each record couples an opaque payload with an embedding vector of the
// collection's fixed dimension, so records can be fetched by key or ranked
// by cosine similarity against a query vector.
//
// The collection is created lazily on the first successful write; reads
// against a collection that does not exist yet report not-found rather than
// creating it. A Store holds no mutable state beyond the backend handle, so
// it is safe for concurrent use; concurrent Sets on the same key race with
// last-insert-wins semantics.
type Store struct {
	backend    Backend
	collection string
	dimension  int
	codec      Codec
	logger     *log.Logger
	ensure     singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithCodec replaces the default gob payload codec.
func WithCodec(codec Codec) Option {
	return func(store *Store) {
		store.codec = codec
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(store *Store) {
		store.logger = logger
	}
}

// New creates a Store over the given backend connection. The collection
// name scopes all operations; dimension fixes the embedding length every
// write must match.
func New(backend Backend, collection string, dimension int, opts ...Option) *Store {
	store := &Store{
		backend:    backend,
		collection: collection,
		dimension:  dimension,
		codec:      GobCodec{},
		logger:     log.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// ensureCollection creates the collection on first use. Idempotent and safe
// under concurrent callers: singleflight collapses simultaneous creations,
// and an already existing collection is success, not an error.
func (store *Store) ensureCollection(ctx context.Context) error {
	_, err, _ := store.ensure.Do(store.collection, func() (any, error) {
		exists, err := store.backend.HasCollection(ctx, store.collection)
		if err != nil || exists {
			return nil, err
		}

		if err := store.backend.CreateCollection(ctx, store.collection, Schema{Dimension: store.dimension}); err != nil {
			return nil, err
		}

		store.logger.Debug("created collection", "collection", store.collection, "dimension", store.dimension)
		return nil, nil
	})

	return err
}

// Set writes a record, replacing any previous record for the key. The
// payload is encoded through the codec; the embedding must have the
// collection's dimension. The first successful Set creates the collection.
func (store *Store) Set(ctx context.Context, key string, value any, embedding []float32) error {
	if key == "" || len(key) > KeyMaxLength {
		return fmt.Errorf("%w: key must be 1 to %d characters", ErrInvalidValue, KeyMaxLength)
	}

	if embedding == nil {
		return fmt.Errorf("%w: an embedding vector must be provided", ErrInvalidValue)
	}

	if len(embedding) != store.dimension {
		return fmt.Errorf(
			"%w: embedding has dimension %d, collection %q expects %d",
			ErrInvalidValue, len(embedding), store.collection, store.dimension,
		)
	}

	encoded, err := store.codec.Encode(value)
	if err != nil {
		return err
	}

	if len(encoded) > ValueMaxLength {
		return fmt.Errorf("%w: encoded payload exceeds %d characters", ErrInvalidValue, ValueMaxLength)
	}

	if err := store.ensureCollection(ctx); err != nil {
		return err
	}

	// Overwrite is delete-then-insert, never upsert-in-place, so exactly
	// one live record exists per key.
	exists, err := store.Contains(ctx, key)
	if err != nil {
		return err
	}

	if exists {
		if err := store.backend.Delete(ctx, store.collection, MatchKey(key)); err != nil {
			return err
		}
	}

	return store.backend.Insert(ctx, store.collection, Record{
		Key:       key,
		Value:     encoded,
		Embedding: embedding,
	})
}

// Get returns the decoded payload stored under key, or ErrKeyNotFound.
func (store *Store) Get(ctx context.Context, key string) (any, error) {
	records, err := store.backend.Query(ctx, store.collection, MatchKey(key), QueryOptions{
		Fields: []string{"value"},
		Limit:  1,
	})

	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return store.codec.Decode(records[0].Value)
}

// GetOrDefault is Get, except an absent key yields def instead of an error.
// Decode and backend failures still surface.
func (store *Store) GetOrDefault(ctx context.Context, key string, def any) (any, error) {
	value, err := store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}

	return value, err
}

// Delete removes the record stored under key. Deleting an absent key is
// ErrKeyNotFound; Clear is the operation that tolerates emptiness.
func (store *Store) Delete(ctx context.Context, key string) error {
	exists, err := store.Contains(ctx, key)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return store.backend.Delete(ctx, store.collection, MatchKey(key))
}

// Contains reports whether key has a live record, without loading the
// collection.
func (store *Store) Contains(ctx context.Context, key string) (bool, error) {
	records, err := store.backend.Query(ctx, store.collection, MatchKey(key), QueryOptions{
		Fields: []string{"key"},
		Limit:  1,
	})

	if err != nil {
		return false, err
	}

	return len(records) > 0, nil
}

// Len counts the live records. The count is read at the backend's strongest
// consistency so writes completed before the call are observed even when
// the engine buffers index updates.
func (store *Store) Len(ctx context.Context) (int, error) {
	records, err := store.backend.Query(ctx, store.collection, MatchAll(), QueryOptions{
		Fields: []string{"key"},
		Strong: true,
	})

	if err != nil {
		return 0, err
	}

	return len(records), nil
}

// Keys returns one bounded page of keys; limit <= 0 applies
// DefaultKeysLimit. This is deliberately a page, not a full-keyspace
// iterator: callers wanting everything should range over Items instead.
func (store *Store) Keys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultKeysLimit
	}

	records, err := store.backend.Query(ctx, store.collection, MatchAll(), QueryOptions{
		Fields: []string{"key"},
		Limit:  limit,
	})

	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.Key)
	}

	return keys, nil
}

// Values ranges over every payload in the collection, decoding lazily. The
// full-collection query is issued when iteration starts; a failure is
// yielded as the second value and ends the sequence. Re-ranging reissues
// the query.
func (store *Store) Values(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		records, err := store.backend.Query(ctx, store.collection, MatchAll(), QueryOptions{
			Fields: []string{"value"},
			Strong: true,
		})

		if err != nil {
			yield(nil, err)
			return
		}

		for _, record := range records {
			value, err := store.codec.Decode(record.Value)
			if !yield(value, err) || err != nil {
				return
			}
		}
	}
}

// Item is one key-value pair produced by Items.
type Item struct {
	Key   string
	Value any
}

// Items ranges over every record in the collection as key-value pairs, with
// the same laziness and error convention as Values.
func (store *Store) Items(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		records, err := store.backend.Query(ctx, store.collection, MatchAll(), QueryOptions{
			Fields: []string{"key", "value"},
			Strong: true,
		})

		if err != nil {
			yield(Item{}, err)
			return
		}

		for _, record := range records {
			value, err := store.codec.Decode(record.Value)
			if !yield(Item{Key: record.Key, Value: value}, err) || err != nil {
				return
			}
		}
	}
}

// Clear deletes every record but leaves the collection and its schema in
// place, so subsequent writes need no re-declaration.
func (store *Store) Clear(ctx context.Context) error {
	exists, err := store.backend.HasCollection(ctx, store.collection)
	if err != nil || !exists {
		return err
	}

	return store.backend.Delete(ctx, store.collection, MatchAll())
}

// Pop reads and removes the record under key. An absent key is
// ErrKeyNotFound.
func (store *Store) Pop(ctx context.Context, key string) (any, error) {
	value, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := store.backend.Delete(ctx, store.collection, MatchKey(key)); err != nil {
		return nil, err
	}

	return value, nil
}

// PopOrDefault is Pop, except an absent key yields def instead of an error.
func (store *Store) PopOrDefault(ctx context.Context, key string, def any) (any, error) {
	value, err := store.Pop(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}

	return value, err
}

// Entry is one pending write for Update.
type Entry struct {
	Key       string
	Value     any
	Embedding []float32
}

// Update applies Set for each entry in order. It is not atomic: a failure
// partway leaves the earlier sets applied.
func (store *Store) Update(ctx context.Context, entries ...Entry) error {
	for _, entry := range entries {
		if err := store.Set(ctx, entry.Key, entry.Value, entry.Embedding); err != nil {
			return fmt.Errorf("update %q: %w", entry.Key, err)
		}
	}

	return nil
}

// Match is one similarity-search result: the record's key, its decoded
// payload, and its cosine similarity to the query vector.
type Match struct {
	Key   string
	Value any
	Score float32
}

// SearchByVector returns up to topK records nearest to the query vector
// under cosine similarity, best match first, filtered to matches scoring at
// least threshold. An empty or missing collection yields an empty result.
// topK <= 0 applies DefaultTopK.
func (store *Store) SearchByVector(ctx context.Context, vector []float32, topK int, threshold float32) ([]Match, error) {
	if len(vector) != store.dimension {
		return nil, fmt.Errorf(
			"%w: query vector has dimension %d, collection %q expects %d",
			ErrInvalidValue, len(vector), store.collection, store.dimension,
		)
	}

	if topK <= 0 {
		topK = DefaultTopK
	}

	records, err := store.backend.Search(ctx, store.collection, vector, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))

	for _, record := range records {
		if record.Score < threshold {
			continue
		}

		value, err := store.codec.Decode(record.Value)
		if err != nil {
			return nil, err
		}

		matches = append(matches, Match{
			Key:   record.Key,
			Value: value,
			Score: record.Score,
		})
	}

	return matches, nil
}
