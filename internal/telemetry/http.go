package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"edgetutor/internal/errors"
)

// HTTPUploader posts payloads to the district telemetry endpoint.
type HTTPUploader struct {
	url    string
	client *http.Client
}

// NewHTTPUploader builds an uploader for the given endpoint URL.
func NewHTTPUploader(url string) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload posts one payload. Server-side and rate-limit failures are
// transient so the collector retains the window for retry.
func (u *HTTPUploader) Upload(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to build telemetry request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransientUpstream, "telemetry endpoint unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Newf(errors.KindTransientUpstream, "telemetry endpoint returned %d", resp.StatusCode)
	default:
		return errors.Newf(errors.KindPermanentUpstream, "telemetry endpoint returned %d", resp.StatusCode)
	}
}
