package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdrant/go-client/qdrant"

	"edgetutor/internal/config"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "chunks_mat10_g10_v1_2_0", CollectionName("MAT10", 10, "1.2.0"))
	assert.Equal(t, "chunks_fis11_g11_v2_0_1", CollectionName(" FIS11 ", 11, "v2.0.1"))
}

func TestCollectionNameDistinguishesVersions(t *testing.T) {
	a := CollectionName("MAT10", 10, "1.0.0")
	b := CollectionName("MAT10", 10, "1.0.1")
	assert.NotEqual(t, a, b, "each installed version gets its own collection")
}

func TestReconnectReplacesClient(t *testing.T) {
	// gRPC dials lazily, so no running Qdrant is needed here.
	cfg := &config.QdrantConfig{Host: "localhost", Port: 6334}
	store, err := NewQdrantStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	old := store.client
	require.NoError(t, store.Reconnect(cfg))
	assert.NotSame(t, old, store.client)
}

func TestChunkPointRoundTrip(t *testing.T) {
	chunk := &ChunkRecord{
		ID:     "3f6b9a30-5bc7-4a6f-9a53-1f0a6f2a7f11",
		Text:   "Teorema Pythagoras menyatakan a^2 + b^2 = c^2.",
		Vector: []float64{0.1, 0.2, 0.3},
		Metadata: map[string]string{
			"topic":   "geometri",
			"chapter": "5",
			"book":    "Matematika X",
		},
	}
	point := chunkToPoint(chunk)

	assert.Equal(t, chunk.ID, pointIDToString(point.GetId()))
	require.NotNil(t, point.Payload["text"])
	assert.Equal(t, chunk.Text, point.Payload["text"].GetStringValue())
	assert.Equal(t, "geometri", point.Payload["topic"].GetStringValue())

	scored := &qdrant.ScoredPoint{
		Id:      point.Id,
		Score:   0.87,
		Payload: point.Payload,
	}
	got := scoredPointToChunk(scored)
	assert.Equal(t, chunk.Text, got.Text)
	assert.Equal(t, chunk.Metadata, got.Metadata)
	assert.InDelta(t, 0.87, got.Score, 1e-6)
}

func TestChunkMetadataCannotShadowText(t *testing.T) {
	chunk := &ChunkRecord{
		ID:     "00000000-0000-0000-0000-000000000001",
		Text:   "isi sebenarnya",
		Vector: []float64{1},
		Metadata: map[string]string{
			"text": "penyusup",
		},
	}
	point := chunkToPoint(chunk)
	assert.Equal(t, "isi sebenarnya", point.Payload["text"].GetStringValue())
}
