// =============================================================================
// CONDUCTOR CLIENT - BATCH SUBMISSION TO THE SLOW BACKEND
// =============================================================================
//
// WHAT IS THIS?
// The HTTP client that delivers formed batches to the conductor, the
// batch-oriented backend the buffer exists to protect. One flush is one
// POST carrying the whole batch; the response says what the conductor
// actually applied.
//
// HTTP ENDPOINT USED:
//
//   Batches:
//     POST   /batches             Submit one batch of operations
//
// WIRE FORMAT:
//
//   Request:
//     {
//       "batch_id": "batch-42-a1b2c3d4",
//       "operations": [ {"op_id": "...", "op_type": "...", ...}, ... ]
//     }
//
//   Response (200):
//     {
//       "success": false,
//       "operation_results": [
//         {"op_id": "op-1", "success": true},
//         {"op_id": "op-2", "success": false, "error": "validation failed"}
//       ]
//     }
//
// ERROR TAXONOMY:
// The flush protocol distinguishes two failure shapes, and so do we:
//
//   TRANSPORT FAILURE (returned as error):
//     Connection refused, timeout, 5xx. The conductor may or may not have
//     seen the batch; the whole batch goes back for retry.
//
//   APPLICATION OUTCOME (returned as *buffer.FlushOutcome):
//     The conductor received the batch and told us per operation what
//     happened. Only the failed operations retry.
//
// =============================================================================

package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
)

// Config holds configuration for the conductor client.
type Config struct {
	// URL is the base URL of the conductor (e.g., "http://localhost:9090")
	URL string

	// Timeout is the HTTP request timeout for one batch submission
	Timeout time.Duration

	// APIKey for authentication (optional)
	APIKey string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "http://localhost:9090",
		Timeout: 30 * time.Second,
	}
}

// Client submits batches to the conductor.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new conductor client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// batchRequest is the POST /batches payload.
type batchRequest struct {
	BatchID    string                   `json:"batch_id"`
	Operations []buffer.OperationRecord `json:"operations"`
}

// batchResponse is the conductor's verdict on one batch.
type batchResponse struct {
	Success          bool              `json:"success"`
	OperationResults []operationResult `json:"operation_results,omitempty"`
}

type operationResult struct {
	OpID    string `json:"op_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// errorResponse is the conductor's error envelope for non-2xx statuses.
type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// BATCH SUBMISSION
// =============================================================================

// Flush submits one batch and maps the response to a flush outcome.
// Its signature matches buffer.FlushFunc, so it plugs straight into
// Buffer.FlushBatch and Buffer.FlushAll:
//
//	buf.FlushBatch(ctx, client.Flush)
func (c *Client) Flush(ctx context.Context, batch *buffer.Batch) (*buffer.FlushOutcome, error) {
	u, err := url.JoinPath(c.config.URL, "/batches")
	if err != nil {
		return nil, fmt.Errorf("invalid conductor url: %w", err)
	}

	payload, err := json.Marshal(batchRequest{
		BatchID:    batch.BatchID,
		Operations: batch.Operations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conductor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read conductor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("conductor rejected batch %s: %s (HTTP %d)", batch.BatchID, errResp.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("conductor rejected batch %s: HTTP %d", batch.BatchID, resp.StatusCode)
	}

	var verdict batchResponse
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode conductor response: %w", err)
	}

	outcome := &buffer.FlushOutcome{Success: verdict.Success}
	for _, r := range verdict.OperationResults {
		outcome.OperationResults = append(outcome.OperationResults, buffer.OperationResult{
			OpID:    r.OpID,
			Success: r.Success,
			Error:   r.Error,
		})
	}
	return outcome, nil
}

// Ping checks that the conductor is reachable.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.JoinPath(c.config.URL, "/health")
	if err != nil {
		return fmt.Errorf("invalid conductor url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("conductor unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conductor health check failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
