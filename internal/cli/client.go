// =============================================================================
// CLI HTTP CLIENT - ADMIN INTERFACE TO BUFFERD
// =============================================================================
//
// WHAT IS THIS?
// This is a lightweight HTTP client for bufctl, the bufferd admin CLI.
//
// HTTP ENDPOINTS USED:
//
//   Writes:
//     POST   /writes                   Queue a write
//
//   Control:
//     POST   /flush                    Flush everything to the conductor
//     POST   /drain                    Drain pending operations
//     PUT    /config/max-queue-size    Resize the admission ceiling
//
//   Observability:
//     GET    /health                   Health check
//     GET    /stats                    Buffer statistics
//
// =============================================================================

package cli

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

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of the bufferd daemon (e.g., "http://localhost:8080")
	ServerURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// APIKey for authentication (future use)
	APIKey string
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest executes an HTTP request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	// Build URL
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	// Encode body if provided
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// Add API key if configured
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	// Execute request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Message:    errResp.Error,
			}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	// Decode response if result provided
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsBackpressured reports whether the error is a 429 admission rejection.
func (e *APIError) IsBackpressured() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ErrorResponse is the error response format from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// QueueWriteRequest is the request to queue one write.
type QueueWriteRequest struct {
	OpID     string          `json:"op_id"`
	OpType   string          `json:"op_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority string          `json:"priority,omitempty"`
	DedupKey string          `json:"dedup_key,omitempty"`
}

// QueueWriteResponse is the response from queuing a write.
type QueueWriteResponse struct {
	OpID         string `json:"op_id"`
	Queued       bool   `json:"queued"`
	Backpressure int    `json:"backpressure"`
}

// QueueWrite queues one write operation.
func (c *Client) QueueWrite(ctx context.Context, req QueueWriteRequest) (*QueueWriteResponse, error) {
	var resp QueueWriteResponse
	if err := c.doRequest(ctx, http.MethodPost, "/writes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// CONTROL OPERATIONS
// =============================================================================

// FlushResponse is the response from a full flush.
type FlushResponse struct {
	Flushed   int    `json:"flushed"`
	Remaining int    `json:"remaining"`
	Duration  string `json:"duration"`
}

// Flush pushes everything queued out to the conductor.
func (c *Client) Flush(ctx context.Context) (*FlushResponse, error) {
	var resp FlushResponse
	if err := c.doRequest(ctx, http.MethodPost, "/flush", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DrainResponse is the response from draining the buffer.
type DrainResponse struct {
	Drained    int                      `json:"drained"`
	Operations []buffer.OperationRecord `json:"operations"`
}

// Drain removes and returns every pending operation.
func (c *Client) Drain(ctx context.Context) (*DrainResponse, error) {
	var resp DrainResponse
	if err := c.doRequest(ctx, http.MethodPost, "/drain", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetMaxQueueSizeResponse is the response from resizing the ceiling.
type SetMaxQueueSizeResponse struct {
	MaxQueueSize int `json:"max_queue_size"`
	Backpressure int `json:"backpressure"`
}

// SetMaxQueueSize resizes the admission ceiling at runtime.
func (c *Client) SetMaxQueueSize(ctx context.Context, size int) (*SetMaxQueueSizeResponse, error) {
	req := map[string]int{"max_queue_size": size}
	var resp SetMaxQueueSizeResponse
	if err := c.doRequest(ctx, http.MethodPut, "/config/max-queue-size", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// OBSERVABILITY OPERATIONS
// =============================================================================

// StatsResponse is the response from the stats endpoint.
type StatsResponse struct {
	Implementation string       `json:"implementation"`
	TotalQueued    int          `json:"total_queued"`
	Stats          buffer.Stats `json:"stats"`
}

// Stats returns buffer statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Implementation string `json:"implementation"`
	Backpressure   int    `json:"backpressure"`
	Timestamp      string `json:"timestamp"`
}

// Health checks daemon health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
