// Package embeddings turns question and curriculum text into fixed-dimension
// vectors. Two variants exist: a remote managed API and a local in-process
// model. A strategy manager picks between them per call, honoring fallback
// and sovereign-mode policy.
package embeddings

import "context"

// Service is the embedding capability boundary.
type Service interface {
	// Generate creates an embedding for a single text.
	Generate(ctx context.Context, text string) ([]float64, error)

	// GenerateBatch creates embeddings for multiple texts efficiently.
	GenerateBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the fixed dimension of produced vectors.
	Dimensions() int

	// HealthCheck verifies the service can produce embeddings right now.
	HealthCheck(ctx context.Context) error
}

// StrategyName identifies an embedding variant.
type StrategyName string

const (
	StrategyRemote StrategyName = "remote"
	StrategyLocal  StrategyName = "local"
)
