// Package storage holds the two persistence layers of the node: the vector
// store for curriculum chunks and the relational metadata store for
// everything else. Both are accessed through interfaces so the retrieval
// pipeline and the package installer can be tested against fakes.
package storage

import (
	"context"
	"fmt"
	"strings"

	"edgetutor/pkg/types"
)

// ChunkRecord is one curriculum chunk ready for the vector store: its text,
// its embedding, and flat string metadata (topic, chapter, book).
type ChunkRecord struct {
	ID       string
	Text     string
	Vector   []float64
	Metadata map[string]string
}

// SearchQuery selects the top-K chunks of one collection above a similarity
// floor.
type SearchQuery struct {
	Collection string
	Vector     []float64
	TopK       int
	MinScore   float64
}

// VectorStore is the curriculum chunk index. One collection exists per
// installed (subject, grade, version); installs write into a fresh
// collection and swap it in, so readers never observe a half-written index.
type VectorStore interface {
	// EnsureCollection creates the named collection with the given vector
	// dimension if it does not already exist.
	EnsureCollection(ctx context.Context, name string, dimensions int) error

	// DropCollection removes the named collection and all its points.
	// Dropping a collection that does not exist is not an error.
	DropCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the named collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// UpsertChunks writes a batch of chunks into the collection.
	UpsertChunks(ctx context.Context, collection string, chunks []ChunkRecord) error

	// DeleteChunks removes the identified chunks from the collection.
	DeleteChunks(ctx context.Context, collection string, ids []string) error

	// Search returns up to TopK chunks scoring at or above MinScore,
	// ordered by descending similarity.
	Search(ctx context.Context, query *SearchQuery) ([]types.RetrievedChunk, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (uint64, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// CollectionName derives the canonical collection name for an installed
// package. The version is baked into the name so a new install lands in a
// fresh collection and the metadata row is the single switch between old
// and new.
func CollectionName(subjectCode string, grade int, version string) string {
	code := strings.ToLower(strings.TrimSpace(subjectCode))
	ver := strings.ReplaceAll(strings.TrimPrefix(version, "v"), ".", "_")
	return fmt.Sprintf("chunks_%s_g%d_v%s", code, grade, ver)
}
