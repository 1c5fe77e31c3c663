package embeddings

import (
	"context"
	"crypto/sha256"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/retry"
)

// RemoteService calls the managed embedding API. Transient and throttling
// failures are retried with exponential backoff; results are memoized
// per-process keyed by model and text hash.
type RemoteService struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retrier *retry.Retrier

	memoMu sync.RWMutex
	memo   map[string][]float64
}

const remoteMemoCap = 1000

// NewRemoteService creates the remote variant from configuration.
func NewRemoteService(cfg *config.EmbeddingConfig) *RemoteService {
	return &RemoteService{
		client:  openai.NewClient(cfg.OpenAIAPIKey),
		model:   cfg.OpenAIModel,
		timeout: time.Duration(cfg.RequestTimeoutS) * time.Second,
		retrier: retry.New(&retry.Config{
			MaxAttempts:     3,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.1,
			RetryIf:         retryableAPIError,
		}),
		memo: make(map[string][]float64),
	}
}

// retryableAPIError treats rate limits and server-side failures as
// transient; auth and request shape errors are permanent.
func retryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	// Network-level failures are worth retrying.
	return true
}

// Generate creates an embedding for a single text.
func (s *RemoteService) Generate(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.KindValidation, "text cannot be empty")
	}
	results, err := s.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GenerateBatch creates embeddings for multiple texts in one API call,
// serving memoized entries without going to the network.
func (s *RemoteService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, errors.New(errors.KindValidation, "texts cannot be empty")
	}

	results := make([][]float64, len(texts))
	var uncached []string
	var uncachedIdx []int
	for i, text := range texts {
		if cached := s.fromMemo(s.memoKey(text)); cached != nil {
			results[i] = cached
			continue
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	var resp openai.EmbeddingResponse
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var callErr error
		resp, callErr = s.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: uncached,
			Model: openai.EmbeddingModel(s.model),
		})
		return callErr
	})
	if err != nil {
		return nil, classifyRemoteError(err)
	}
	if len(resp.Data) != len(uncached) {
		return nil, errors.Newf(errors.KindEmbedding,
			"embedding count mismatch: sent %d texts, got %d vectors", len(uncached), len(resp.Data))
	}

	for i, data := range resp.Data {
		vec := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float64(v)
		}
		results[uncachedIdx[i]] = vec
		s.toMemo(s.memoKey(uncached[i]), vec)
	}
	return results, nil
}

// classifyRemoteError maps API failures onto the transient/permanent split
// the caller's policy needs.
func classifyRemoteError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return errors.Wrap(errors.KindTransientUpstream, "embedding API throttled or unavailable", err)
		default:
			return errors.Wrap(errors.KindPermanentUpstream, "embedding API rejected the request", err)
		}
	}
	return errors.Wrap(errors.KindEmbedding, "embedding request failed", err)
}

// Dimensions returns the vector dimension for the configured model.
func (s *RemoteService) Dimensions() int {
	switch s.model {
	case "text-embedding-3-large":
		return 3072
	default:
		// ada-002 and 3-small are both 1536-dimensional.
		return 1536
	}
}

// HealthCheck probes the API with a minimal request.
func (s *RemoteService) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Input: []string{"ping"},
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, "remote embedding service unhealthy", err)
	}
	return nil
}

func (s *RemoteService) memoKey(text string) string {
	sum := sha256.Sum256([]byte(s.model + "|" + text))
	return fmt.Sprintf("%x", sum)
}

func (s *RemoteService) fromMemo(key string) []float64 {
	s.memoMu.RLock()
	defer s.memoMu.RUnlock()
	if vec, ok := s.memo[key]; ok {
		out := make([]float64, len(vec))
		copy(out, vec)
		return out
	}
	return nil
}

func (s *RemoteService) toMemo(key string, vec []float64) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	if len(s.memo) >= remoteMemoCap {
		// Drop an arbitrary batch to stay bounded.
		count := 0
		for k := range s.memo {
			delete(s.memo, k)
			if count++; count >= remoteMemoCap/10 {
				break
			}
		}
	}
	stored := make([]float64, len(vec))
	copy(stored, vec)
	s.memo[key] = stored
}
