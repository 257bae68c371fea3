package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
	"github.com/ethosengine/elohim-sub011/internal/security"
)

// commitAll is a flush function that accepts every batch.
func commitAll(ctx context.Context, batch *buffer.Batch) (*buffer.FlushOutcome, error) {
	return &buffer.FlushOutcome{Success: true}, nil
}

func newTestServer(t *testing.T, flush buffer.FlushFunc) (*Server, *buffer.Buffer) {
	t.Helper()
	cfg := buffer.DefaultConfig()
	cfg.BatchSize = 10
	cfg.MaxQueueSize = 100
	cfg.FlushInterval = time.Hour
	cfg.BatchYield = 0
	buf, err := buffer.New(cfg)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	return NewServer(buf, flush, nil, DefaultServerConfig(), nil), buf
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestQueueWrite_Accepted(t *testing.T) {
	s, buf := newTestServer(t, commitAll)

	rec, body := doJSON(t, s, http.MethodPost, "/writes", WriteRequest{
		OpID:     "op-1",
		OpType:   "create_entry",
		Payload:  json.RawMessage(`{"content":"hello"}`),
		Priority: "high",
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", rec.Code, body)
	}
	if body["queued"] != true {
		t.Errorf("queued = %v, want true", body["queued"])
	}
	if buf.TotalQueued() != 1 {
		t.Errorf("TotalQueued = %d, want 1", buf.TotalQueued())
	}
}

func TestQueueWrite_DefaultPriority(t *testing.T) {
	s, buf := newTestServer(t, commitAll)

	rec, _ := doJSON(t, s, http.MethodPost, "/writes", WriteRequest{
		OpID:   "op-1",
		OpType: "update_entry",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := buf.Stats().NormalCount; got != 1 {
		t.Errorf("NormalCount = %d, want 1 (empty priority defaults to normal)", got)
	}
}

func TestQueueWrite_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, commitAll)

	tests := []struct {
		name string
		body WriteRequest
	}{
		{"missing op_id", WriteRequest{OpType: "create_entry"}},
		{"unknown priority", WriteRequest{OpID: "op-1", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, s, http.MethodPost, "/writes", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %v", rec.Code, body)
			}
		})
	}

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/writes", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}
}

func TestQueueWrite_BackpressureRejection(t *testing.T) {
	s, buf := newTestServer(t, commitAll)
	buf.SetMaxQueueSize(2)

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, s, http.MethodPost, "/writes", WriteRequest{
			OpID: fmt.Sprintf("op-%d", i), OpType: "create_entry",
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("write %d status = %d, want 202", i, rec.Code)
		}
	}

	rec, body := doJSON(t, s, http.MethodPost, "/writes", WriteRequest{
		OpID: "op-overflow", OpType: "create_entry",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if body["queued"] != false {
		t.Errorf("queued = %v, want false", body["queued"])
	}
	if bp, ok := body["backpressure"].(float64); !ok || bp != 100 {
		t.Errorf("backpressure = %v, want 100", body["backpressure"])
	}
}

func TestQueueWrite_ClosedBuffer(t *testing.T) {
	s, buf := newTestServer(t, commitAll)
	buf.Close()

	rec, _ := doJSON(t, s, http.MethodPost, "/writes", WriteRequest{
		OpID: "op-1", OpType: "create_entry",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestFlushEndpoint(t *testing.T) {
	s, buf := newTestServer(t, commitAll)

	for i := 0; i < 15; i++ {
		buf.QueueWrite(fmt.Sprintf("op-%d", i), buffer.OpCreateEntry, nil, buffer.PriorityBulk)
	}

	rec, body := doJSON(t, s, http.MethodPost, "/flush", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, body)
	}
	if body["flushed"] != float64(15) {
		t.Errorf("flushed = %v, want 15", body["flushed"])
	}
	if body["remaining"] != float64(0) {
		t.Errorf("remaining = %v, want 0", body["remaining"])
	}
}

func TestFlushEndpoint_ConductorDown(t *testing.T) {
	down := func(ctx context.Context, batch *buffer.Batch) (*buffer.FlushOutcome, error) {
		return nil, errors.New("connection refused")
	}
	s, buf := newTestServer(t, down)
	buf.QueueWrite("op-1", buffer.OpCreateEntry, nil, buffer.PriorityNormal)

	rec, body := doJSON(t, s, http.MethodPost, "/flush", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %v", rec.Code, body)
	}
	if body["remaining"] != float64(1) {
		t.Errorf("remaining = %v, want 1 (operation requeued)", body["remaining"])
	}
}

func TestFlushEndpoint_NoTransport(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec, _ := doJSON(t, s, http.MethodPost, "/flush", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestDrainEndpoint(t *testing.T) {
	s, buf := newTestServer(t, commitAll)
	buf.QueueWrite("op-1", buffer.OpCreateEntry, []byte(`{"a":1}`), buffer.PriorityHigh)
	buf.QueueWrite("op-2", buffer.OpDeleteEntry, nil, buffer.PriorityBulk)

	rec, body := doJSON(t, s, http.MethodPost, "/drain", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["drained"] != float64(2) {
		t.Errorf("drained = %v, want 2", body["drained"])
	}
	ops, ok := body["operations"].([]interface{})
	if !ok || len(ops) != 2 {
		t.Fatalf("operations = %v, want 2 records", body["operations"])
	}
	if buf.TotalQueued() != 0 {
		t.Errorf("TotalQueued = %d after drain, want 0", buf.TotalQueued())
	}
}

func TestSetMaxQueueSize(t *testing.T) {
	s, buf := newTestServer(t, commitAll)

	rec, body := doJSON(t, s, http.MethodPut, "/config/max-queue-size", SetMaxQueueSizeRequest{MaxQueueSize: 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, body)
	}

	// New ceiling is live: 10 writes fit, the 11th is rejected.
	for i := 0; i < 10; i++ {
		if queued, _ := buf.QueueWrite(fmt.Sprintf("op-%d", i), buffer.OpCreateEntry, nil, buffer.PriorityNormal); !queued {
			t.Fatalf("write %d rejected below new ceiling", i)
		}
	}
	if queued, _ := buf.QueueWrite("op-10", buffer.OpCreateEntry, nil, buffer.PriorityNormal); queued {
		t.Error("write above new ceiling was accepted")
	}
}

func TestSetMaxQueueSize_Invalid(t *testing.T) {
	s, _ := newTestServer(t, commitAll)
	rec, _ := doJSON(t, s, http.MethodPut, "/config/max-queue-size", SetMaxQueueSizeRequest{MaxQueueSize: 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, commitAll)

	rec, body := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["implementation"] == "" {
		t.Error("implementation field missing")
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, buf := newTestServer(t, commitAll)
	buf.QueueWrite("op-1", buffer.OpCreateEntry, nil, buffer.PriorityHigh)
	buf.QueueWrite("op-2", buffer.OpCreateEntry, nil, buffer.PriorityBulk)

	rec, body := doJSON(t, s, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["total_queued"] != float64(2) {
		t.Errorf("total_queued = %v, want 2", body["total_queued"])
	}
	stats, ok := body["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("stats = %v, want object", body["stats"])
	}
	if stats["high_count"] != float64(1) {
		t.Errorf("high_count = %v, want 1", stats["high_count"])
	}
	if stats["bulk_count"] != float64(1) {
		t.Errorf("bulk_count = %v, want 1", stats["bulk_count"])
	}
}

func TestMetricsRouteOnlyWhenConfigured(t *testing.T) {
	s, _ := newTestServer(t, commitAll)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without handler status = %d, want 404", rec.Code)
	}

	served := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { served = true })
	cfg := buffer.DefaultConfig()
	buf, _ := buffer.New(cfg)
	s2 := NewServer(buf, commitAll, handler, DefaultServerConfig(), nil)
	rec2 := httptest.NewRecorder()
	s2.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !served {
		t.Error("/metrics handler not invoked")
	}
}

func TestAuthEnforcedOnRoutes(t *testing.T) {
	authCfg := security.DefaultAPIKeyManagerConfig()
	authCfg.Enabled = true
	authCfg.StaticKeys = []security.StaticKey{
		{Name: "prod", Key: "bd_producer", Roles: []string{security.RoleProducer}},
		{Name: "ops", Key: "bd_operator", Roles: []string{security.RoleOperator}},
	}

	cfg := buffer.DefaultConfig()
	cfg.FlushInterval = time.Hour
	buf, err := buffer.New(cfg)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	serverCfg := DefaultServerConfig()
	serverCfg.Auth = security.NewAPIKeyManager(authCfg)
	s := NewServer(buf, commitAll, nil, serverCfg, nil)

	do := func(method, path, key string) int {
		var body *bytes.Reader
		if method == http.MethodPost && path == "/writes" {
			data, _ := json.Marshal(WriteRequest{OpID: "op-1", OpType: "upsert"})
			body = bytes.NewReader(data)
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, body)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	// Health stays open
	if got := do(http.MethodGet, "/health", ""); got != http.StatusOK {
		t.Errorf("/health unauthenticated = %d, want 200", got)
	}

	// No key rejected on writes
	if got := do(http.MethodPost, "/writes", ""); got != http.StatusUnauthorized {
		t.Errorf("/writes without key = %d, want 401", got)
	}

	// Producer can write but not drain
	if got := do(http.MethodPost, "/writes", "bd_producer"); got != http.StatusAccepted {
		t.Errorf("/writes with producer key = %d, want 202", got)
	}
	if got := do(http.MethodPost, "/drain", "bd_producer"); got != http.StatusForbidden {
		t.Errorf("/drain with producer key = %d, want 403", got)
	}

	// Operator can drain
	if got := do(http.MethodPost, "/drain", "bd_operator"); got != http.StatusOK {
		t.Errorf("/drain with operator key = %d, want 200", got)
	}
}
