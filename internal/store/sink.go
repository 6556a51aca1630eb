package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/probelab/sensd/internal/domain"
)

const defaultSinkTimeout = 30 * time.Second

// HTTPSink delivers datum batches as a JSON array POSTed to a collection
// endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink for the given URL. timeout <= 0 uses the
// default.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Push delivers the batch. Any non-2xx status is an error; the caller
// retries the same batch on the next cycle.
func (s *HTTPSink) Push(ctx context.Context, data []domain.Datum) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink rejected batch: %s", resp.Status)
	}
	return nil
}

var _ domain.Sink = (*HTTPSink)(nil)
