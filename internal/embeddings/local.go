package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"

	"edgetutor/internal/errors"
)

// LocalService is the in-process embedder used when the node is offline or
// running in sovereign mode. It hashes word and bigram features into a
// fixed-dimension vector and L2-normalizes it, so cosine similarity between
// related texts is meaningful without any network dependency. Deterministic:
// equal text always yields equal vectors.
type LocalService struct {
	dimensions int
}

// NewLocalService creates the local variant with the configured dimension.
func NewLocalService(dimensions int) *LocalService {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &LocalService{dimensions: dimensions}
}

// Generate creates an embedding for a single text.
func (s *LocalService) Generate(_ context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.KindValidation, "text cannot be empty")
	}
	return s.embed(text), nil
}

// GenerateBatch creates embeddings for multiple texts.
func (s *LocalService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, errors.New(errors.KindValidation, "texts cannot be empty")
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := s.Generate(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector dimension.
func (s *LocalService) Dimensions() int {
	return s.dimensions
}

// HealthCheck always succeeds: the local embedder has no dependencies.
func (s *LocalService) HealthCheck(_ context.Context) error {
	return nil
}

func (s *LocalService) embed(text string) []float64 {
	vec := make([]float64, s.dimensions)

	tokens := tokenize(text)
	for _, tok := range tokens {
		s.addFeature(vec, tok, 1.0)
	}
	// Word bigrams capture a little ordering signal.
	for i := 0; i+1 < len(tokens); i++ {
		s.addFeature(vec, tokens[i]+" "+tokens[i+1], 0.5)
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// addFeature hashes a feature into a bucket with a sign bit, the standard
// feature-hashing trick to keep collisions unbiased.
func (s *LocalService) addFeature(vec []float64, feature string, weight float64) {
	sum := sha256.Sum256([]byte(feature))
	bucket := binary.BigEndian.Uint32(sum[0:4]) % uint32(s.dimensions)
	sign := 1.0
	if sum[4]&1 == 1 {
		sign = -1.0
	}
	vec[bucket] += sign * weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
