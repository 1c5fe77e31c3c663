package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

// LlamaEngine streams completions from a llama.cpp server. The server loads
// a single model and serializes generation internally; the admission layer
// above bounds how many requests are in flight against it.
type LlamaEngine struct {
	baseURL   string
	client    *http.Client
	maxTokens int
	logger    logging.Logger
}

// NewLlamaEngine creates a client for the configured server.
func NewLlamaEngine(cfg *config.InferenceConfig, logger logging.Logger) *LlamaEngine {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &LlamaEngine{
		baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
		maxTokens: cfg.MaxResponseTokens,
		client: &http.Client{
			// Streaming responses outlive any sane per-request timeout, so
			// the deadline is carried by the caller's context instead.
			Timeout: 0,
		},
		logger: logger.WithComponent("inference"),
	}
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Generate streams tokens from the server's completion endpoint.
func (e *LlamaEngine) Generate(ctx context.Context, req *GenerateRequest) (<-chan Token, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New(errors.KindValidation, "prompt cannot be empty")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > e.maxTokens {
		maxTokens = e.maxTokens
	}

	body, err := json.Marshal(&completionRequest{
		Prompt:      req.Prompt,
		NPredict:    maxTokens,
		Temperature: req.Temperature,
		Stop:        req.StopWords,
		Stream:      true,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to encode completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, "inference server unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Newf(errors.KindGeneration, "inference server returned status %d", resp.StatusCode)
	}

	out := make(chan Token)
	go e.consumeStream(ctx, resp, out)
	return out, nil
}

// consumeStream reads server-sent events until the stop marker, an error, or
// context cancellation.
func (e *LlamaEngine) consumeStream(ctx context.Context, resp *http.Response, out chan<- Token) {
	defer close(out)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			e.emit(ctx, out, Token{Err: errors.Wrap(errors.KindGeneration, "malformed stream chunk", err)})
			return
		}
		if chunk.Content != "" {
			if !e.emit(ctx, out, Token{Text: chunk.Content}) {
				return
			}
		}
		if chunk.Stop {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			e.emit(ctx, out, Token{Err: errors.Wrap(errors.KindCancelled, "generation cancelled", ctx.Err())})
			return
		}
		e.emit(ctx, out, Token{Err: errors.Wrap(errors.KindGeneration, "stream read failed", err)})
	}
}

// emit delivers a token unless the consumer has gone away.
func (e *LlamaEngine) emit(ctx context.Context, out chan<- Token, tok Token) bool {
	select {
	case out <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}

// HealthCheck probes the server's health endpoint.
func (e *LlamaEngine) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.baseURL+"/health", http.NoBody)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to build health request", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, "inference server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.KindUnavailable, fmt.Sprintf("inference server unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (e *LlamaEngine) Close() error {
	return nil
}
