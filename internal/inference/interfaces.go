// Package inference wraps the local language model behind a streaming
// interface. The production implementation talks to a llama.cpp server over
// HTTP; tests script token sequences through the mock.
package inference

import "context"

// Token is one element of a generation stream. A non-nil Err terminates the
// stream; no further tokens follow it.
type Token struct {
	Text string
	Err  error
}

// GenerateRequest describes one completion.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	StopWords   []string
}

// Engine produces a lazy token stream from a prompt. The returned channel is
// closed after the final token (or the terminal error). Cancelling the
// context stops generation at the next token boundary.
type Engine interface {
	Generate(ctx context.Context, req *GenerateRequest) (<-chan Token, error)

	// HealthCheck verifies the model is loaded and answering.
	HealthCheck(ctx context.Context) error

	Close() error
}
