package inference

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockEngine scripts token streams for tests. Responses are matched by
// substring against the prompt; the default response serves everything else.
type MockEngine struct {
	mu        sync.Mutex
	responses map[string][]string
	fallback  []string
	delay     time.Duration
	failWith  error
	healthErr error
	calls     int
}

// NewMockEngine returns an engine that answers every prompt with the given
// default tokens.
func NewMockEngine(defaultTokens ...string) *MockEngine {
	return &MockEngine{
		responses: make(map[string][]string),
		fallback:  defaultTokens,
	}
}

// Script registers a token sequence for prompts containing the substring.
func (m *MockEngine) Script(promptSubstring string, tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[promptSubstring] = tokens
}

// SetDelay inserts a pause before each token, simulating generation time.
func (m *MockEngine) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailWith makes every subsequent Generate stream end with err.
func (m *MockEngine) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetHealthError scripts the health probe result.
func (m *MockEngine) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Calls reports how many generations were requested.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate streams the scripted tokens.
func (m *MockEngine) Generate(ctx context.Context, req *GenerateRequest) (<-chan Token, error) {
	m.mu.Lock()
	m.calls++
	tokens := m.fallback
	for substr, scripted := range m.responses {
		if strings.Contains(req.Prompt, substr) {
			tokens = scripted
			break
		}
	}
	delay := m.delay
	failWith := m.failWith
	m.mu.Unlock()

	limit := len(tokens)
	if req.MaxTokens > 0 && req.MaxTokens < limit {
		limit = req.MaxTokens
	}

	out := make(chan Token)
	go func() {
		defer close(out)
		for i := 0; i < limit; i++ {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Token{Text: tokens[i]}:
			case <-ctx.Done():
				return
			}
		}
		if failWith != nil {
			select {
			case out <- Token{Err: failWith}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// HealthCheck returns the scripted probe result.
func (m *MockEngine) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// Close is a no-op.
func (m *MockEngine) Close() error {
	return nil
}
