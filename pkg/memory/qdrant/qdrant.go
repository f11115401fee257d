// Package qdrant adapts a Qdrant gRPC connection to the memory.Backend
// seam. Records become points whose IDs derive deterministically from the
// record key, with the key and encoded value carried in the point payload.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	sdk "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/theapemachine/vectorkv/pkg/config"
	"github.com/theapemachine/vectorkv/pkg/memory"
)

// Payload field names used on every point.
const (
	fieldKey   = "key"
	fieldValue = "value"
)

// scrollPageSize is the page size used when a query carries no limit; the
// scroll loop keeps fetching pages until the server reports no next offset.
const scrollPageSize = 256

// scrollClient is the slice of the points service the scroll loop needs,
// narrowed so tests can drive pagination without a server.
type scrollClient interface {
	Scroll(ctx context.Context, in *sdk.ScrollPoints, opts ...grpc.CallOption) (*sdk.ScrollResponse, error)
}

// Backend implements memory.Backend over a Qdrant instance.
type Backend struct {
	client *sdk.Client
	points scrollClient
}

// Config holds the connection settings for a Qdrant instance.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// New connects to Qdrant with the given settings.
func New(cfg Config) (*Backend, error) {
	client, err := sdk.NewClient(&sdk.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return &Backend{client: client, points: client.GetPointsClient()}, nil
}

// NewDefault connects using the environment configuration.
func NewDefault() (*Backend, error) {
	cfg := config.Load()

	return New(Config{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS,
	})
}

// Close releases the underlying gRPC connection.
func (backend *Backend) Close() error {
	return backend.client.Close()
}

// HasCollection reports whether the named collection exists.
func (backend *Backend) HasCollection(ctx context.Context, name string) (bool, error) {
	collections, err := backend.client.ListCollections(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	for _, collection := range collections {
		if collection == name {
			return true, nil
		}
	}

	return false, nil
}

// CreateCollection defines the collection with cosine vector params and a
// keyword payload index on the key field, so point queries by key stay
// cheap as the collection grows.
func (backend *Backend) CreateCollection(ctx context.Context, name string, schema memory.Schema) error {
	err := backend.client.CreateCollection(ctx, &sdk.CreateCollection{
		CollectionName: name,
		VectorsConfig: sdk.NewVectorsConfig(&sdk.VectorParams{
			Size:     uint64(schema.Dimension),
			Distance: sdk.Distance_Cosine,
		}),
	})

	if err != nil {
		// Creation racing another writer is success, not an error.
		if exists, hasErr := backend.HasCollection(ctx, name); hasErr == nil && exists {
			return nil
		}

		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	wait := true

	_, err = backend.client.CreateFieldIndex(ctx, &sdk.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      fieldKey,
		FieldType:      sdk.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})

	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Query returns the records matching the filter. A missing collection
// yields no records, matching the store's read-never-creates contract.
func (backend *Backend) Query(ctx context.Context, collection string, filter memory.Filter, opts memory.QueryOptions) ([]memory.Record, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	scroll := &sdk.ScrollPoints{
		CollectionName: collection,
		Filter:         toFilter(filter),
		WithPayload:    toPayloadSelector(opts.Fields),
	}

	if opts.Strong {
		scroll.ReadConsistency = strongConsistency()
	}

	if opts.Limit > 0 {
		limit := uint32(opts.Limit)
		scroll.Limit = &limit

		response, err := backend.points.Scroll(ctx, scroll)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
		}

		return toRecords(response.GetResult()), nil
	}

	// No cap requested: a single scroll call is one server-side page (the
	// engine defaults to 10 points), so follow the next-page offsets until
	// the collection is exhausted.
	points, err := scrollAll(ctx, backend.points, scroll)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return toRecords(points), nil
}

// scrollAll drains a scroll cursor page by page, advancing the request
// offset to each response's next-page offset until the server reports none.
func scrollAll(ctx context.Context, points scrollClient, scroll *sdk.ScrollPoints) ([]*sdk.RetrievedPoint, error) {
	page := uint32(scrollPageSize)
	scroll.Limit = &page

	var all []*sdk.RetrievedPoint

	for {
		response, err := points.Scroll(ctx, scroll)
		if err != nil {
			return nil, err
		}

		all = append(all, response.GetResult()...)

		offset := response.GetNextPageOffset()
		if offset == nil {
			return all, nil
		}

		scroll.Offset = offset
	}
}

func toRecords(points []*sdk.RetrievedPoint) []memory.Record {
	records := make([]memory.Record, 0, len(points))

	for _, point := range points {
		records = append(records, memory.Record{
			Key:   point.Payload[fieldKey].GetStringValue(),
			Value: point.Payload[fieldValue].GetStringValue(),
		})
	}

	return records
}

// Insert upserts one point per record. Wait is set so the write is visible
// to reads issued after Insert returns.
func (backend *Backend) Insert(ctx context.Context, collection string, records ...memory.Record) error {
	wait := true
	points := make([]*sdk.PointStruct, 0, len(records))

	for _, record := range records {
		points = append(points, &sdk.PointStruct{
			Id:      pointID(record.Key),
			Vectors: sdk.NewVectors(record.Embedding...),
			Payload: sdk.NewValueMap(map[string]any{
				fieldKey:   record.Key,
				fieldValue: record.Value,
			}),
		})
	}

	_, err := backend.client.Upsert(ctx, &sdk.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})

	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Delete removes every point matching the filter, waiting for visibility.
func (backend *Backend) Delete(ctx context.Context, collection string, filter memory.Filter) error {
	wait := true

	_, err := backend.client.Delete(ctx, &sdk.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         sdk.NewPointsSelectorFilter(toFilter(filter)),
	})

	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	return nil
}

// Search runs a nearest-neighbour query under the collection's cosine
// metric, best match first. A missing collection yields no matches.
func (backend *Backend) Search(ctx context.Context, collection string, vector []float32, limit int) ([]memory.ScoredRecord, error) {
	exists, err := backend.HasCollection(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	capped := uint64(limit)

	points, err := backend.client.Query(ctx, &sdk.QueryPoints{
		CollectionName:  collection,
		Query:           sdk.NewQuery(vector...),
		Limit:           &capped,
		WithPayload:     sdk.NewWithPayloadInclude(fieldKey, fieldValue),
		ReadConsistency: strongConsistency(),
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrBackendUnavailable, err)
	}

	records := make([]memory.ScoredRecord, 0, len(points))

	for _, point := range points {
		records = append(records, memory.ScoredRecord{
			Record: memory.Record{
				Key:   point.Payload[fieldKey].GetStringValue(),
				Value: point.Payload[fieldValue].GetStringValue(),
			},
			Score: point.Score,
		})
	}

	return records, nil
}

// pointID derives a stable UUID from the record key. Qdrant point IDs must
// be UUIDs or integers, so the key itself cannot serve directly; a v5 UUID
// keeps the mapping deterministic across processes.
func pointID(key string) *sdk.PointId {
	return sdk.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String())
}

// toFilter translates the store's two filter shapes. Match-all becomes an
// unconditional filter: Qdrant treats an empty filter as matching every
// point, which is exactly the source's `key != ""` scan.
func toFilter(filter memory.Filter) *sdk.Filter {
	if filter.All {
		return &sdk.Filter{}
	}

	return &sdk.Filter{
		Must: []*sdk.Condition{
			sdk.NewMatch(fieldKey, filter.Key),
		},
	}
}

func toPayloadSelector(fields []string) *sdk.WithPayloadSelector {
	if len(fields) == 0 {
		return sdk.NewWithPayloadInclude(fieldKey, fieldValue)
	}

	return sdk.NewWithPayloadInclude(fields...)
}

// strongConsistency asks every replica to agree before answering, the
// strongest read level Qdrant offers.
func strongConsistency() *sdk.ReadConsistency {
	return &sdk.ReadConsistency{
		Value: &sdk.ReadConsistency_Type{
			Type: sdk.ReadConsistencyType_All,
		},
	}
}
