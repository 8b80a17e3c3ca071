package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/recallhq/recall/internal/store"
)

// HTTPIndex talks to a vector index over its local HTTP API.
type HTTPIndex struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIndex creates a client for the index at baseURL. connectTimeout
// bounds every request, including the readiness probe.
func NewHTTPIndex(baseURL string, connectTimeout time.Duration) *HTTPIndex {
	return &HTTPIndex{
		baseURL: baseURL,
		client:  &http.Client{Timeout: connectTimeout},
	}
}

// Ping probes the index health endpoint.
func (h *HTTPIndex) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector index unreachable: %w", err)
	}
	defer drainBody(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector index health returned %d", resp.StatusCode)
	}
	return nil
}

// SyncObservation upserts one observation document.
func (h *HTTPIndex) SyncObservation(ctx context.Context, obs *store.Observation) error {
	return h.post(ctx, "/observations", obs)
}

// SyncSummary upserts one summary document.
func (h *HTTPIndex) SyncSummary(ctx context.Context, summary *store.Summary) error {
	return h.post(ctx, "/summaries", summary)
}

func (h *HTTPIndex) post(ctx context.Context, path string, document any) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector sync request failed: %w", err)
	}
	defer drainBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector index returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
