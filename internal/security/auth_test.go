package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func enabledManager(keys ...StaticKey) *APIKeyManager {
	cfg := DefaultAPIKeyManagerConfig()
	cfg.Enabled = true
	cfg.StaticKeys = keys
	return NewAPIKeyManager(cfg)
}

func TestGenerateAndValidateKey(t *testing.T) {
	m := enabledManager()

	raw, key, err := m.GenerateKey("ci-producer", []string{RoleProducer}, 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(raw, "bd_") {
		t.Errorf("raw key %q missing bd_ prefix", raw)
	}
	if key.ExpiresAt != (time.Time{}) {
		t.Errorf("expected no expiry, got %v", key.ExpiresAt)
	}

	got, err := m.ValidateKey(raw)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("validated key ID = %q, want %q", got.ID, key.ID)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("LastUsedAt not updated on validation")
	}
}

func TestValidateKey_Failures(t *testing.T) {
	m := enabledManager()
	raw, key, err := m.GenerateKey("temp", []string{RoleProducer}, 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if _, err := m.ValidateKey(""); err != ErrNoAPIKey {
		t.Errorf("empty key: got %v, want ErrNoAPIKey", err)
	}
	if _, err := m.ValidateKey("bd_not_a_real_key"); err != ErrInvalidAPIKey {
		t.Errorf("unknown key: got %v, want ErrInvalidAPIKey", err)
	}

	if err := m.RevokeKey(key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := m.ValidateKey(raw); err != ErrAPIKeyRevoked {
		t.Errorf("revoked key: got %v, want ErrAPIKeyRevoked", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	m := enabledManager()
	raw, _, err := m.GenerateKey("short-lived", []string{RoleProducer}, time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := m.ValidateKey(raw); err != ErrAPIKeyExpired {
		t.Errorf("expired key: got %v, want ErrAPIKeyExpired", err)
	}
}

func TestStaticKeys(t *testing.T) {
	m := enabledManager(StaticKey{Name: "ops", Key: "bd_static_operator", Roles: []string{RoleOperator}})

	key, err := m.ValidateKey("bd_static_operator")
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if key.Name != "ops" {
		t.Errorf("key name = %q, want ops", key.Name)
	}
	if !key.HasRole(RoleOperator) {
		t.Error("static key missing operator role")
	}
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role string
		perm Permission
		want bool
	}{
		{RoleProducer, PermWriteQueue, true},
		{RoleProducer, PermStatsRead, true},
		{RoleProducer, PermBufferDrain, false},
		{RoleProducer, PermBufferResize, false},
		{RoleOperator, PermBufferFlush, true},
		{RoleOperator, PermBufferDrain, true},
		{RoleOperator, PermWriteQueue, true},
		{RoleAdmin, PermBufferResize, true},
	}

	for _, tt := range tests {
		key := &APIKey{Roles: []string{tt.role}}
		if got := key.HasPermission(tt.perm); got != tt.want {
			t.Errorf("%s.HasPermission(%s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	m := enabledManager(StaticKey{Name: "prod", Key: "bd_test_key", Roles: []string{RoleProducer}})

	var sawKey *APIKey
	handler := m.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawKey = GetAPIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Missing key rejected
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/writes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	// X-API-Key header accepted
	req := httptest.NewRequest("POST", "/writes", nil)
	req.Header.Set("X-API-Key", "bd_test_key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}
	if sawKey == nil || sawKey.Name != "prod" {
		t.Errorf("handler did not see authenticated key, got %+v", sawKey)
	}

	// Bearer token accepted
	req = httptest.NewRequest("POST", "/writes", nil)
	req.Header.Set("Authorization", "Bearer bd_test_key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d, want 200", rec.Code)
	}

	// Health endpoint passes without a key
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	m := enabledManager(StaticKey{Name: "prod", Key: "bd_producer_key", Roles: []string{RoleProducer}})

	handler := m.AuthMiddleware(
		m.RequirePermission(PermBufferDrain)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))

	req := httptest.NewRequest("POST", "/drain", nil)
	req.Header.Set("X-API-Key", "bd_producer_key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("producer draining: status = %d, want 403", rec.Code)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	m := NewAPIKeyManager(DefaultAPIKeyManagerConfig())

	handler := m.AuthMiddleware(
		m.RequirePermission(PermBufferDrain)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/drain", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth: status = %d, want 200", rec.Code)
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("abc", "abc") {
		t.Error("equal strings compared unequal")
	}
	if SecureCompare("abc", "abd") {
		t.Error("different strings compared equal")
	}
	if SecureCompare("abc", "abcd") {
		t.Error("different lengths compared equal")
	}
}
