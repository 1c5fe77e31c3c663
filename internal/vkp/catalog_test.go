package vkp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/errors"
	"edgetutor/internal/retry"
)

// newTestCatalog shortens the backoff delays so flaky-server tests finish
// in milliseconds.
func newTestCatalog(baseURL string) *HTTPCatalog {
	c := NewHTTPCatalog(baseURL)
	c.retrier = retry.New(&retry.Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryIf:      errors.Retryable,
	})
	return c
}

func TestFetchPackageRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"metadata":{}}`))
	}))
	defer srv.Close()

	entry := &CatalogEntry{Subject: "MAT10", Grade: 10, Version: "1.2.0"}
	data, err := newTestCatalog(srv.URL).FetchPackage(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, `{"metadata":{}}`, string(data))
	assert.Equal(t, int64(3), hits.Load())
}

func TestFetchPackageGivesUpAfterCappedAttempts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	entry := &CatalogEntry{Subject: "MAT10", Grade: 10, Version: "1.2.0"}
	_, err := newTestCatalog(srv.URL).FetchPackage(context.Background(), entry)
	assert.Equal(t, errors.KindTransientUpstream, errors.KindOf(err))
	assert.Equal(t, int64(4), hits.Load())
}

func TestFetchPackageDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	entry := &CatalogEntry{Subject: "FIS11", Grade: 11, Version: "2.0.0"}
	_, err := newTestCatalog(srv.URL).FetchPackage(context.Background(), entry)
	assert.Equal(t, errors.KindPermanentUpstream, errors.KindOf(err))
	assert.Equal(t, int64(1), hits.Load())
}

func TestListRetriesThenDecodes(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/catalog.json", r.URL.Path)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"subject":"MAT10","grade":10,"version":"1.1.0","checksum":"sha256:ab","size_bytes":42}]`))
	}))
	defer srv.Close()

	entries, err := newTestCatalog(srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "MAT10", entries[0].Subject)
	assert.Equal(t, "1.1.0", entries[0].Version)
	assert.Equal(t, int64(2), hits.Load())
}

func TestFetchDeltaNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	data, ok, err := newTestCatalog(srv.URL).FetchDelta(context.Background(), "MAT10", 10, "1.0.0", "1.1.0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, int64(1), hits.Load())
}
