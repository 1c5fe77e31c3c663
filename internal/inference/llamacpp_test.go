package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
)

func newStreamServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/completion":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, c := range chunks {
				fmt.Fprintf(w, "data: %s\n\n", c)
				flusher.Flush()
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newEngine(url string) *LlamaEngine {
	return NewLlamaEngine(&config.InferenceConfig{
		ServerURL:         url,
		MaxResponseTokens: 512,
		RequestTimeoutS:   30,
	}, nil)
}

func collect(t *testing.T, stream <-chan Token) (string, error) {
	t.Helper()
	var sb strings.Builder
	for tok := range stream {
		if tok.Err != nil {
			return sb.String(), tok.Err
		}
		sb.WriteString(tok.Text)
	}
	return sb.String(), nil
}

func TestLlamaGenerateStreams(t *testing.T) {
	srv := newStreamServer(t, []string{
		`{"content":"Teorema ","stop":false}`,
		`{"content":"Pythagoras","stop":false}`,
		`{"content":"","stop":true}`,
	})
	defer srv.Close()

	engine := newEngine(srv.URL)
	stream, err := engine.Generate(context.Background(), &GenerateRequest{Prompt: "jelaskan"})
	require.NoError(t, err)

	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Teorema Pythagoras", text)
}

func TestLlamaGenerateRejectsEmptyPrompt(t *testing.T) {
	engine := newEngine("http://localhost:1")
	_, err := engine.Generate(context.Background(), &GenerateRequest{Prompt: "  "})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestLlamaGenerateServerDown(t *testing.T) {
	engine := newEngine("http://127.0.0.1:1")
	_, err := engine.Generate(context.Background(), &GenerateRequest{Prompt: "halo"})
	assert.Equal(t, errors.KindUnavailable, errors.KindOf(err))
}

func TestLlamaGenerateMalformedChunk(t *testing.T) {
	srv := newStreamServer(t, []string{`{not json`})
	defer srv.Close()

	engine := newEngine(srv.URL)
	stream, err := engine.Generate(context.Background(), &GenerateRequest{Prompt: "halo"})
	require.NoError(t, err)

	_, err = collect(t, stream)
	assert.Equal(t, errors.KindGeneration, errors.KindOf(err))
}

func TestLlamaHealthCheck(t *testing.T) {
	srv := newStreamServer(t, nil)
	defer srv.Close()

	engine := newEngine(srv.URL)
	assert.NoError(t, engine.HealthCheck(context.Background()))

	engine = newEngine("http://127.0.0.1:1")
	assert.Error(t, engine.HealthCheck(context.Background()))
}

func TestMockEngineScripting(t *testing.T) {
	mock := NewMockEngine("default")
	mock.Script("pythagoras", "a^2", " + b^2", " = c^2")

	stream, err := mock.Generate(context.Background(), &GenerateRequest{Prompt: "apa itu pythagoras?"})
	require.NoError(t, err)
	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "a^2 + b^2 = c^2", text)

	stream, _ = mock.Generate(context.Background(), &GenerateRequest{Prompt: "lainnya"})
	text, _ = collect(t, stream)
	assert.Equal(t, "default", text)
	assert.Equal(t, 2, mock.Calls())
}

func TestMockEngineMaxTokensCap(t *testing.T) {
	mock := NewMockEngine("satu", "dua", "tiga")
	stream, err := mock.Generate(context.Background(), &GenerateRequest{Prompt: "x", MaxTokens: 2})
	require.NoError(t, err)
	text, _ := collect(t, stream)
	assert.Equal(t, "satudua", text)
}

func TestMockEngineCancellation(t *testing.T) {
	mock := NewMockEngine("satu", "dua", "tiga")
	mock.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := mock.Generate(ctx, &GenerateRequest{Prompt: "x"})
	require.NoError(t, err)

	<-stream
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}
