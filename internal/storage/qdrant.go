package storage

import (
	"context"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/pkg/types"
)

// QdrantStore implements VectorStore against a local Qdrant instance.
type QdrantStore struct {
	client *qdrant.Client
	logger logging.Logger
}

// NewQdrantStore connects to Qdrant using the configured host and port.
func NewQdrantStore(cfg *config.QdrantConfig, logger logging.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to create qdrant client", err)
	}
	return &QdrantStore{
		client: client,
		logger: logger.WithComponent("qdrant"),
	}, nil
}

// Reconnect replaces the underlying gRPC client, for use by the supervisor
// when health checks fail persistently.
func (qs *QdrantStore) Reconnect(cfg *config.QdrantConfig) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to create qdrant client", err)
	}
	if qs.client != nil {
		_ = qs.client.Close()
	}
	qs.client = client
	qs.logger.Info("reconnected to qdrant", "host", cfg.Host, "port", cfg.Port)
	return nil
}

// EnsureCollection creates the collection if missing, with cosine distance.
func (qs *QdrantStore) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	exists, err := qs.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	err = qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to create collection %s", name)
	}
	qs.logger.Info("created collection", "collection", name, "dimensions", dimensions)
	return nil
}

// DropCollection removes the collection. Missing collections are ignored.
func (qs *QdrantStore) DropCollection(ctx context.Context, name string) error {
	exists, err := qs.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := qs.client.DeleteCollection(ctx, name); err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to drop collection %s", name)
	}
	qs.logger.Info("dropped collection", "collection", name)
	return nil
}

// CollectionExists reports whether the collection is present.
func (qs *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return false, errors.Wrap(errors.KindStorage, "failed to list collections", err)
	}
	for _, c := range collections {
		if c == name {
			return true, nil
		}
	}
	return false, nil
}

// UpsertChunks writes chunks in one batch.
func (qs *QdrantStore) UpsertChunks(ctx context.Context, collection string, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i := range chunks {
		if len(chunks[i].Vector) == 0 {
			return errors.Newf(errors.KindValidation, "chunk %s has no embedding", chunks[i].ID)
		}
		points = append(points, chunkToPoint(&chunks[i]))
	}
	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to upsert %d chunks into %s", len(points), collection)
	}
	return nil
}

// DeleteChunks removes points by ID.
func (qs *QdrantStore) DeleteChunks(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = stringToPointID(id)
	}
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to delete %d chunks from %s", len(ids), collection)
	}
	return nil
}

// Search runs a similarity query with a score floor.
func (qs *QdrantStore) Search(ctx context.Context, query *SearchQuery) ([]types.RetrievedChunk, error) {
	if query.TopK <= 0 {
		return nil, errors.New(errors.KindValidation, "top-k must be positive")
	}
	result, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: query.Collection,
		Query:          qdrant.NewQuery(float64ToFloat32(query.Vector)...),
		Limit:          qdrant.PtrOf(uint64(query.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(float32(query.MinScore)),
	})
	if err != nil {
		return nil, errors.Wrapf(errors.KindRetrieval, err, "search failed in %s", query.Collection)
	}

	chunks := make([]types.RetrievedChunk, 0, len(result))
	for _, point := range result {
		chunks = append(chunks, scoredPointToChunk(point))
	}
	return chunks, nil
}

// Count returns the number of points in the collection.
func (qs *QdrantStore) Count(ctx context.Context, collection string) (uint64, error) {
	count, err := qs.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
	})
	if err != nil {
		return 0, errors.Wrapf(errors.KindStorage, err, "failed to count points in %s", collection)
	}
	return count, nil
}

// HealthCheck verifies the connection by listing collections.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := qs.client.ListCollections(ctx); err != nil {
		return errors.Wrap(errors.KindUnavailable, "qdrant health check failed", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (qs *QdrantStore) Close() error {
	if qs.client != nil {
		return qs.client.Close()
	}
	return nil
}

func chunkToPoint(chunk *ChunkRecord) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"text": stringToValue(chunk.Text),
	}
	for k, v := range chunk.Metadata {
		if k == "text" {
			continue
		}
		payload[k] = stringToValue(v)
	}
	return &qdrant.PointStruct{
		Id: stringToPointID(chunk.ID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{
			Vector: &qdrant.Vector{Data: float64ToFloat32(chunk.Vector)},
		}},
		Payload: payload,
	}
}

func scoredPointToChunk(point *qdrant.ScoredPoint) types.RetrievedChunk {
	payload := point.GetPayload()
	chunk := types.RetrievedChunk{
		Score:    float64(point.GetScore()),
		Metadata: make(map[string]string, len(payload)),
	}
	for k, v := range payload {
		if k == "text" {
			chunk.Text = v.GetStringValue()
			continue
		}
		chunk.Metadata[k] = v.GetStringValue()
	}
	return chunk
}

func stringToValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func float64ToFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
