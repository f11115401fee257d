package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeBackend is an in-memory Backend used to exercise the store without a
// running engine.
type fakeBackend struct {
	mu          sync.Mutex
	collections map[string]Schema
	records     map[string][]Record
	failWith    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		collections: make(map[string]Schema),
		records:     make(map[string][]Record),
	}
}

func (backend *fakeBackend) HasCollection(ctx context.Context, name string) (bool, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return false, backend.failWith
	}

	_, ok := backend.collections[name]
	return ok, nil
}

func (backend *fakeBackend) CreateCollection(ctx context.Context, name string, schema Schema) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return backend.failWith
	}

	if _, ok := backend.collections[name]; !ok {
		backend.collections[name] = schema
	}

	return nil
}

func (backend *fakeBackend) Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]Record, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return nil, backend.failWith
	}

	var matched []Record

	for _, record := range backend.records[collection] {
		if filter.All || record.Key == filter.Key {
			matched = append(matched, record)
		}

		if opts.Limit > 0 && len(matched) == opts.Limit {
			break
		}
	}

	return matched, nil
}

func (backend *fakeBackend) Insert(ctx context.Context, collection string, records ...Record) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return backend.failWith
	}

	backend.records[collection] = append(backend.records[collection], records...)
	return nil
}

func (backend *fakeBackend) Delete(ctx context.Context, collection string, filter Filter) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return backend.failWith
	}

	var kept []Record

	for _, record := range backend.records[collection] {
		if !filter.All && record.Key != filter.Key {
			kept = append(kept, record)
		}
	}

	backend.records[collection] = kept
	return nil
}

func (backend *fakeBackend) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredRecord, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.failWith != nil {
		return nil, backend.failWith
	}

	var scored []ScoredRecord

	for _, record := range backend.records[collection] {
		scored = append(scored, ScoredRecord{
			Record: record,
			Score:  cosine(vector, record.Embedding),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	return scored, nil
}

// seed plants raw records, bypassing the store's write path, so tests can
// stage stored values the codec never produced.
func (backend *fakeBackend) seed(collection string, records ...Record) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if _, ok := backend.collections[collection]; !ok {
		backend.collections[collection] = Schema{}
	}

	backend.records[collection] = append(backend.records[collection], records...)
}

func (backend *fakeBackend) count(collection, key string) int {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	total := 0

	for _, record := range backend.records[collection] {
		if record.Key == key {
			total++
		}
	}

	return total
}

func cosine(a, b []float32) float32 {
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

func TestStoreReadWrite(t *testing.T) {
	ctx := context.Background()

	Convey("Given a store over an empty backend", t, func() {
		backend := newFakeBackend()
		store := New(backend, "ltm", 2)

		Convey("Set followed by Get round-trips the payload", func() {
			payload := map[string]any{"text": "remember me", "weight": 3}

			So(store.Set(ctx, "a", payload, []float32{1, 0}), ShouldBeNil)

			value, err := store.Get(ctx, "a")
			So(err, ShouldBeNil)
			So(value, ShouldResemble, payload)
		})

		Convey("The collection is created by the first write only", func() {
			exists, err := backend.HasCollection(ctx, "ltm")
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)

			_, err = store.Get(ctx, "a")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

			exists, _ = backend.HasCollection(ctx, "ltm")
			So(exists, ShouldBeFalse)

			So(store.Set(ctx, "a", "v", []float32{1, 0}), ShouldBeNil)

			exists, _ = backend.HasCollection(ctx, "ltm")
			So(exists, ShouldBeTrue)
		})

		Convey("Writing the same key twice leaves one record with the second payload", func() {
			So(store.Set(ctx, "a", "first", []float32{1, 0}), ShouldBeNil)
			So(store.Set(ctx, "a", "second", []float32{0, 1}), ShouldBeNil)

			So(backend.count("ltm", "a"), ShouldEqual, 1)

			value, err := store.Get(ctx, "a")
			So(err, ShouldBeNil)
			So(value, ShouldEqual, "second")
		})

		Convey("Get on a missing key fails with ErrKeyNotFound", func() {
			So(store.Set(ctx, "a", "v", []float32{1, 0}), ShouldBeNil)

			_, err := store.Get(ctx, "nope")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

			Convey("but GetOrDefault returns the supplied default", func() {
				value, err := store.GetOrDefault(ctx, "nope", "fallback")
				So(err, ShouldBeNil)
				So(value, ShouldEqual, "fallback")
			})
		})

		Convey("A wrong-shaped embedding is rejected and nothing is written", func() {
			err := store.Set(ctx, "a", "v", []float32{1, 0, 0})
			So(errors.Is(err, ErrInvalidValue), ShouldBeTrue)

			_, err = store.Get(ctx, "a")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

			Convey("and a prior value survives the rejected overwrite", func() {
				So(store.Set(ctx, "a", "old", []float32{1, 0}), ShouldBeNil)

				err := store.Set(ctx, "a", "new", nil)
				So(errors.Is(err, ErrInvalidValue), ShouldBeTrue)

				value, err := store.Get(ctx, "a")
				So(err, ShouldBeNil)
				So(value, ShouldEqual, "old")
			})
		})

		Convey("Backend failures surface as ErrBackendUnavailable", func() {
			backend.failWith = ErrBackendUnavailable

			err := store.Set(ctx, "a", "v", []float32{1, 0})
			So(errors.Is(err, ErrBackendUnavailable), ShouldBeTrue)

			_, err = store.Get(ctx, "a")
			So(errors.Is(err, ErrBackendUnavailable), ShouldBeTrue)
		})
	})
}

func TestStoreCollectionOps(t *testing.T) {
	ctx := context.Background()

	Convey("Given a store holding three records", t, func() {
		backend := newFakeBackend()
		store := New(backend, "ltm", 2)

		So(store.Set(ctx, "a", "va", []float32{1, 0}), ShouldBeNil)
		So(store.Set(ctx, "b", "vb", []float32{0, 1}), ShouldBeNil)
		So(store.Set(ctx, "c", "vc", []float32{1, 1}), ShouldBeNil)

		Convey("Len counts the live records", func() {
			total, err := store.Len(ctx)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, 3)
		})

		Convey("Contains reports membership", func() {
			ok, err := store.Contains(ctx, "b")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			ok, err = store.Contains(ctx, "z")
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Delete removes the record; deleting again fails", func() {
			So(store.Delete(ctx, "b"), ShouldBeNil)

			_, err := store.Get(ctx, "b")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

			err = store.Delete(ctx, "b")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
		})

		Convey("Keys returns one bounded page", func() {
			keys, err := store.Keys(ctx, 2)
			So(err, ShouldBeNil)
			So(len(keys), ShouldEqual, 2)

			Convey("and defaults to DefaultKeysLimit when unbounded", func() {
				for _, key := range []string{"d", "e", "f", "g", "h", "i", "j", "k"} {
					So(store.Set(ctx, key, "v", []float32{1, 0}), ShouldBeNil)
				}

				keys, err := store.Keys(ctx, 0)
				So(err, ShouldBeNil)
				So(len(keys), ShouldEqual, DefaultKeysLimit)
			})
		})

		Convey("Values and Items scan the whole collection", func() {
			var values []any

			for value, err := range store.Values(ctx) {
				So(err, ShouldBeNil)
				values = append(values, value)
			}

			So(len(values), ShouldEqual, 3)
			So(values, ShouldContain, "vb")

			seen := map[string]any{}

			for item, err := range store.Items(ctx) {
				So(err, ShouldBeNil)
				seen[item.Key] = item.Value
			}

			So(seen, ShouldResemble, map[string]any{"a": "va", "b": "vb", "c": "vc"})
		})

		Convey("Clear empties the collection but keeps the schema", func() {
			So(store.Clear(ctx), ShouldBeNil)

			total, err := store.Len(ctx)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, 0)

			exists, _ := backend.HasCollection(ctx, "ltm")
			So(exists, ShouldBeTrue)

			Convey("and a subsequent Set succeeds without re-declaration", func() {
				So(store.Set(ctx, "again", "v", []float32{1, 0}), ShouldBeNil)

				total, _ := store.Len(ctx)
				So(total, ShouldEqual, 1)
			})
		})

		Convey("Pop reads then deletes", func() {
			value, err := store.Pop(ctx, "a")
			So(err, ShouldBeNil)
			So(value, ShouldEqual, "va")

			_, err = store.Get(ctx, "a")
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

			Convey("Pop on a missing key fails, PopOrDefault does not", func() {
				_, err := store.Pop(ctx, "a")
				So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

				value, err := store.PopOrDefault(ctx, "a", "fallback")
				So(err, ShouldBeNil)
				So(value, ShouldEqual, "fallback")
			})
		})

		Convey("Update is a sequential apply of Set", func() {
			err := store.Update(ctx,
				Entry{Key: "a", Value: "updated", Embedding: []float32{0, 1}},
				Entry{Key: "d", Value: "vd", Embedding: []float32{1, 1}},
			)
			So(err, ShouldBeNil)

			value, _ := store.Get(ctx, "a")
			So(value, ShouldEqual, "updated")

			value, _ = store.Get(ctx, "d")
			So(value, ShouldEqual, "vd")

			Convey("a failure partway leaves the earlier sets applied", func() {
				err := store.Update(ctx,
					Entry{Key: "e", Value: "ve", Embedding: []float32{1, 0}},
					Entry{Key: "f", Value: "vf", Embedding: []float32{1, 0, 0}},
				)
				So(errors.Is(err, ErrInvalidValue), ShouldBeTrue)

				value, err := store.Get(ctx, "e")
				So(err, ShouldBeNil)
				So(value, ShouldEqual, "ve")

				_, err = store.Get(ctx, "f")
				So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
			})
		})
	})

	Convey("Given a store whose collection was never created", t, func() {
		store := New(newFakeBackend(), "ltm", 2)

		Convey("reads behave as empty rather than erroring", func() {
			total, err := store.Len(ctx)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, 0)

			keys, err := store.Keys(ctx, 0)
			So(err, ShouldBeNil)
			So(keys, ShouldBeEmpty)

			So(store.Clear(ctx), ShouldBeNil)
		})
	})
}

func TestStoreDecodeFailures(t *testing.T) {
	ctx := context.Background()

	Convey("Given a collection holding a value the codec cannot read", t, func() {
		backend := newFakeBackend()
		store := New(backend, "ltm", 2)

		So(store.Set(ctx, "good", "fine", []float32{1, 0}), ShouldBeNil)
		backend.seed("ltm", Record{Key: "bad", Value: "%%% not a payload %%%", Embedding: []float32{0, 1}})

		Convey("Get surfaces ErrDecode, distinct from not-found", func() {
			_, err := store.Get(ctx, "bad")
			So(errors.Is(err, ErrDecode), ShouldBeTrue)
			So(errors.Is(err, ErrKeyNotFound), ShouldBeFalse)

			Convey("and GetOrDefault does not paper over it", func() {
				_, err := store.GetOrDefault(ctx, "bad", "fallback")
				So(errors.Is(err, ErrDecode), ShouldBeTrue)
			})
		})

		Convey("Values yields the failure and ends the sequence", func() {
			var (
				yields    int
				decodeErr error
			)

			for _, err := range store.Values(ctx) {
				yields++

				if err != nil {
					decodeErr = err
				}
			}

			// One good value, then the failure; nothing after it.
			So(yields, ShouldEqual, 2)
			So(errors.Is(decodeErr, ErrDecode), ShouldBeTrue)
		})

		Convey("Items behaves the same way", func() {
			var (
				yields    int
				decodeErr error
			)

			for _, err := range store.Items(ctx) {
				yields++

				if err != nil {
					decodeErr = err
				}
			}

			So(yields, ShouldEqual, 2)
			So(errors.Is(decodeErr, ErrDecode), ShouldBeTrue)
		})

		Convey("SearchByVector refuses to return a half-decoded result set", func() {
			_, err := store.SearchByVector(ctx, []float32{0, 1}, 5, 0)
			So(errors.Is(err, ErrDecode), ShouldBeTrue)
		})
	})
}

func TestStoreSearchByVector(t *testing.T) {
	ctx := context.Background()

	Convey("Given three records with known embeddings", t, func() {
		backend := newFakeBackend()
		store := New(backend, "ltm", 2)

		So(store.Set(ctx, "east", "E", []float32{1, 0}), ShouldBeNil)
		So(store.Set(ctx, "north", "N", []float32{0, 1}), ShouldBeNil)
		So(store.Set(ctx, "mostly-east", "ME", []float32{0.9, 0.1}), ShouldBeNil)

		Convey("matches come back in descending similarity order", func() {
			matches, err := store.SearchByVector(ctx, []float32{1, 0}, 3, 0)
			So(err, ShouldBeNil)
			So(len(matches), ShouldEqual, 3)

			So(matches[0].Key, ShouldEqual, "east")
			So(matches[1].Key, ShouldEqual, "mostly-east")
			So(matches[2].Key, ShouldEqual, "north")

			Convey("an exact match scores at the metric's maximum", func() {
				So(matches[0].Score, ShouldAlmostEqual, 1.0, 1e-6)
				So(matches[0].Value, ShouldEqual, "E")
			})
		})

		Convey("a threshold above every score filters everything out", func() {
			matches, err := store.SearchByVector(ctx, []float32{1, 0}, 3, 1.5)
			So(err, ShouldBeNil)
			So(matches, ShouldBeEmpty)
		})

		Convey("fewer qualifying records than topK returns fewer matches", func() {
			matches, err := store.SearchByVector(ctx, []float32{1, 0}, 10, 0.5)
			So(err, ShouldBeNil)
			So(len(matches), ShouldEqual, 2)
		})

		Convey("a wrong-dimension query vector is rejected", func() {
			_, err := store.SearchByVector(ctx, []float32{1, 0, 0}, 3, 0)
			So(errors.Is(err, ErrInvalidValue), ShouldBeTrue)
		})
	})

	Convey("Given an empty store", t, func() {
		store := New(newFakeBackend(), "ltm", 2)

		Convey("searching yields an empty result, not an error", func() {
			matches, err := store.SearchByVector(ctx, []float32{1, 0}, 5, 0)
			So(err, ShouldBeNil)
			So(matches, ShouldBeEmpty)
		})
	})
}
