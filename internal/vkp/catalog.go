package vkp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edgetutor/internal/errors"
	"edgetutor/internal/retry"
)

// CatalogEntry announces one package available upstream.
type CatalogEntry struct {
	Subject   string `json:"subject"`
	Grade     int    `json:"grade"`
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

// Catalog is the remote package source. The puller treats a failed Ping as
// the node being offline and skips the cycle without error.
type Catalog interface {
	// Ping reports whether the catalog is reachable right now.
	Ping(ctx context.Context) error

	// List enumerates the packages the control plane currently offers.
	List(ctx context.Context) ([]CatalogEntry, error)

	// FetchPackage downloads the full package document for an entry.
	FetchPackage(ctx context.Context, entry *CatalogEntry) ([]byte, error)

	// FetchDelta downloads the delta document between two versions. The
	// second return is false when no such delta is published.
	FetchDelta(ctx context.Context, subject string, grade int, baseVersion, targetVersion string) ([]byte, bool, error)
}

// PackageKey is the catalog object key for a full package.
func PackageKey(subject string, grade int, version string) string {
	return fmt.Sprintf("%s/kelas_%d/v%s.vkp", subject, grade, version)
}

// DeltaKey is the catalog object key for a delta document.
func DeltaKey(subject string, grade int, baseVersion, targetVersion string) string {
	return fmt.Sprintf("%s/kelas_%d/delta_v%s_v%s.vkpd", subject, grade, baseVersion, targetVersion)
}

// HTTPCatalog speaks to the control plane's package distribution endpoint.
// Downloads are retried with capped exponential backoff; throttling, server
// errors, and network failures are transient, other statuses are not.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
	retrier *retry.Retrier
}

// NewHTTPCatalog creates a catalog client for the given base URL.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		retrier: retry.New(&retry.Config{
			MaxAttempts:     4,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.2,
			RetryIf:         errors.Retryable,
		}),
	}
}

// statusError classifies an unexpected download status.
func statusError(what, url string, status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return errors.Newf(errors.KindTransientUpstream, "%s %s returned status %d", what, url, status)
	}
	return errors.Newf(errors.KindPermanentUpstream, "%s %s returned status %d", what, url, status)
}

// Ping probes the catalog index with a short deadline.
func (c *HTTPCatalog) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+"/catalog.json", http.NoBody)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to build catalog probe", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, "catalog unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.KindUnavailable, "catalog probe returned status %d", resp.StatusCode)
	}
	return nil
}

// List downloads and decodes the catalog index.
func (c *HTTPCatalog) List(ctx context.Context) ([]CatalogEntry, error) {
	url := c.baseURL + "/catalog.json"
	var entries []CatalogEntry
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		data, status, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return statusError("catalog index", url, status)
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return errors.Wrap(errors.KindPermanentUpstream, "malformed catalog index", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchPackage downloads the full package object.
func (c *HTTPCatalog) FetchPackage(ctx context.Context, entry *CatalogEntry) ([]byte, error) {
	url := c.baseURL + "/" + PackageKey(entry.Subject, entry.Grade, entry.Version)
	var data []byte
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return statusError("package download", url, status)
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FetchDelta downloads the delta object; a 404 means none is published.
func (c *HTTPCatalog) FetchDelta(ctx context.Context, subject string, grade int, baseVersion, targetVersion string) ([]byte, bool, error) {
	url := c.baseURL + "/" + DeltaKey(subject, grade, baseVersion, targetVersion)
	var data []byte
	found := false
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusOK:
			data, found = body, true
			return nil
		case http.StatusNotFound:
			data, found = nil, false
			return nil
		default:
			return statusError("delta download", url, status)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (c *HTTPCatalog) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindInternal, "failed to build catalog request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindTransientUpstream, "catalog request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindTransientUpstream, "catalog response read failed", err)
	}
	return data, resp.StatusCode, nil
}
