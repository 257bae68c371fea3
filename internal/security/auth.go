// =============================================================================
// API KEY AUTHENTICATION - ACCESS CONTROL FOR BUFFERD
// =============================================================================
//
// ┌─────────────────────────────────────────────────────────────────────────────┐
// │ WHY API KEYS?                                                               │
// │                                                                             │
// │ The daemon sits in front of a backend that is expensive to write to.        │
// │ Anyone who can reach /writes can fill the buffer, and anyone who can        │
// │ reach /drain can discard every pending operation. API keys provide:         │
// │   1. IDENTITY: Know which producer is queuing writes                        │
// │   2. AUTHORIZATION: Producers queue; only operators flush, drain, resize    │
// │   3. REVOCATION: Disable a leaked key without restarting                    │
// │                                                                             │
// │ FLOW:                                                                       │
// │   Producer ──[X-API-Key: bd_abc123]──► bufferd ──[validate]──► Grant/Deny   │
// │                                                                             │
// │ SECURITY CONSIDERATIONS:                                                    │
// │   - Keys are 32+ bytes of cryptographic randomness                          │
// │   - Only the SHA-256 hash is stored; the raw key is shown once              │
// │   - Transmit only over TLS                                                  │
// └─────────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoAPIKey is returned when no API key is provided
	ErrNoAPIKey = errors.New("no API key provided")

	// ErrInvalidAPIKey is returned when the API key is invalid
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the API key has expired
	ErrAPIKeyExpired = errors.New("API key has expired")

	// ErrAPIKeyRevoked is returned when the API key has been revoked
	ErrAPIKeyRevoked = errors.New("API key has been revoked")

	// ErrPermissionDenied is returned when the key lacks required permissions
	ErrPermissionDenied = errors.New("permission denied")
)

// =============================================================================
// API KEY STRUCTURE
// =============================================================================

// APIKey represents an API key with associated metadata and roles.
//
// Only the SHA-256 hash of the key material is kept. The raw key is shown
// once at creation time and cannot be recovered afterwards.
type APIKey struct {
	// ID is a unique identifier for the key (not the key itself)
	ID string `json:"id"`

	// Name is a human-readable name for the key
	Name string `json:"name"`

	// KeyHash is SHA-256 hash of the actual key (never store raw key)
	KeyHash string `json:"-"` // Never serialize

	// Prefix is the first few chars of the key for identification
	Prefix string `json:"prefix"`

	// Roles assigned to this key
	Roles []string `json:"roles"`

	// CreatedAt is when the key was created
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the key expires (zero = never)
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// LastUsedAt is the last time the key was used
	LastUsedAt time.Time `json:"last_used_at,omitempty"`

	// Revoked indicates if the key has been revoked
	Revoked bool `json:"revoked"`
}

// IsExpired checks if the key has expired.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(k.ExpiresAt)
}

// HasRole checks if the key has a specific role.
func (k *APIKey) HasRole(role string) bool {
	for _, r := range k.Roles {
		if r == role || r == RoleAdmin { // Admin has all roles
			return true
		}
	}
	return false
}

// =============================================================================
// ROLES AND PERMISSIONS
// =============================================================================
//
// ┌─────────────────────────────────────────────────────────────────────────────┐
// │ ROLE DESIGN                                                                 │
// │                                                                             │
// │ Three roles cover the surface of a write buffer:                            │
// │   - producer: may queue writes and read stats                               │
// │   - operator: producer + flush, drain, resize the queue ceiling             │
// │   - admin:    everything                                                    │
// │                                                                             │
// │ ROLE → PERMISSIONS MAPPING:                                                 │
// │   producer → write:queue, stats:read                                        │
// │   operator → producer + buffer:flush, buffer:drain, buffer:resize           │
// │   admin    → *                                                              │
// └─────────────────────────────────────────────────────────────────────────────┘

// Built-in roles
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleProducer = "producer"
)

// Permission represents a single permission in the system.
type Permission string

// Permission constants
const (
	PermWriteQueue   Permission = "write:queue"
	PermStatsRead    Permission = "stats:read"
	PermBufferFlush  Permission = "buffer:flush"
	PermBufferDrain  Permission = "buffer:drain"
	PermBufferResize Permission = "buffer:resize"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[string][]Permission{
	RoleProducer: {PermWriteQueue, PermStatsRead},
	RoleOperator: {PermWriteQueue, PermStatsRead, PermBufferFlush, PermBufferDrain, PermBufferResize},
}

// HasPermission checks whether the key's roles grant a permission.
func (k *APIKey) HasPermission(perm Permission) bool {
	for _, role := range k.Roles {
		if role == RoleAdmin {
			return true
		}
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// API KEY MANAGER
// =============================================================================

// StaticKey is a pre-provisioned key from the daemon configuration.
type StaticKey struct {
	Name  string   `yaml:"name"`
	Key   string   `yaml:"key"`
	Roles []string `yaml:"roles"`
}

// APIKeyManagerConfig configures the key manager.
type APIKeyManagerConfig struct {
	// Enabled turns authentication on. When false the middleware passes
	// every request through.
	Enabled bool

	// KeyLength is the random byte length of generated keys
	KeyLength int

	// DefaultExpiry applied to generated keys (zero = never)
	DefaultExpiry time.Duration

	// AllowNoAuth lets health and metrics endpoints through unauthenticated
	AllowNoAuth bool

	// StaticKeys are pre-provisioned keys from configuration
	StaticKeys []StaticKey
}

// DefaultAPIKeyManagerConfig returns sensible defaults.
func DefaultAPIKeyManagerConfig() APIKeyManagerConfig {
	return APIKeyManagerConfig{
		Enabled:     false,
		KeyLength:   32, // 256 bits
		AllowNoAuth: true,
	}
}

// APIKeyManager stores keys by their hash and validates incoming requests.
type APIKeyManager struct {
	mu       sync.RWMutex
	keys     map[string]*APIKey // by hash
	keysByID map[string]*APIKey
	config   APIKeyManagerConfig
	logger   *slog.Logger
}

// NewAPIKeyManager creates a new API key manager.
func NewAPIKeyManager(config APIKeyManagerConfig) *APIKeyManager {
	m := &APIKeyManager{
		keys:     make(map[string]*APIKey),
		keysByID: make(map[string]*APIKey),
		config:   config,
		logger:   slog.Default().With("component", "security"),
	}

	for i, sk := range config.StaticKeys {
		roles := sk.Roles
		if len(roles) == 0 {
			roles = []string{RoleProducer}
		}
		key := &APIKey{
			ID:        fmt.Sprintf("static_%d", i),
			Name:      sk.Name,
			KeyHash:   hashKey(sk.Key),
			Prefix:    sk.Key[:min(8, len(sk.Key))],
			Roles:     roles,
			CreatedAt: time.Now(),
		}
		m.keys[key.KeyHash] = key
		m.keysByID[key.ID] = key
	}
	if len(config.StaticKeys) > 0 {
		m.logger.Info("loaded static API keys", "count", len(config.StaticKeys))
	}

	return m
}

// GenerateKey creates a new API key with the given name and roles.
//
// The raw key is 32 bytes of cryptographic randomness, hex-encoded with a
// "bd_" prefix. Only its SHA-256 hash is stored; the raw key is returned to
// the caller exactly once.
func (m *APIKeyManager) GenerateKey(name string, roles []string, expiry time.Duration) (rawKey string, key *APIKey, err error) {
	keyBytes := make([]byte, m.config.KeyLength)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	rawKey = "bd_" + hex.EncodeToString(keyBytes)

	key = &APIKey{
		ID:        generateID(),
		Name:      name,
		KeyHash:   hashKey(rawKey),
		Prefix:    rawKey[:11], // "bd_" + 8 chars
		Roles:     roles,
		CreatedAt: time.Now(),
	}

	if expiry > 0 {
		key.ExpiresAt = time.Now().Add(expiry)
	} else if m.config.DefaultExpiry > 0 {
		key.ExpiresAt = time.Now().Add(m.config.DefaultExpiry)
	}

	m.mu.Lock()
	m.keys[key.KeyHash] = key
	m.keysByID[key.ID] = key
	m.mu.Unlock()

	m.logger.Info("generated new API key",
		"id", key.ID,
		"name", name,
		"roles", roles,
		"expires_at", key.ExpiresAt,
	)

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the associated record.
func (m *APIKeyManager) ValidateKey(rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	hash := hashKey(rawKey)

	m.mu.RLock()
	key, exists := m.keys[hash]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrAPIKeyRevoked
	}

	if key.IsExpired() {
		return nil, ErrAPIKeyExpired
	}

	m.mu.Lock()
	key.LastUsedAt = time.Now()
	m.mu.Unlock()

	return key, nil
}

// RevokeKey revokes an API key by ID.
func (m *APIKeyManager) RevokeKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keysByID[keyID]
	if !exists {
		return fmt.Errorf("key not found: %s", keyID)
	}

	key.Revoked = true
	m.logger.Info("revoked API key", "id", keyID, "name", key.Name)

	return nil
}

// ListKeys returns all API keys (without revealing the actual keys).
func (m *APIKeyManager) ListKeys() []*APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*APIKey, 0, len(m.keysByID))
	for _, key := range m.keysByID {
		keys = append(keys, key)
	}
	return keys
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// contextKey is a private type for context keys
type contextKey string

const (
	// APIKeyContextKey is the context key for the authenticated API key
	APIKeyContextKey contextKey = "api_key"
)

// GetAPIKeyFromContext retrieves the API key from the request context.
func GetAPIKeyFromContext(ctx context.Context) *APIKey {
	if key, ok := ctx.Value(APIKeyContextKey).(*APIKey); ok {
		return key
	}
	return nil
}

// AuthMiddleware returns HTTP middleware that validates API keys.
//
// Keys are extracted from "Authorization: Bearer <key>" first, then
// "X-API-Key". Query parameters are not accepted: they end up in access
// logs.
func (m *APIKeyManager) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if disabled
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Skip auth for health/metrics endpoints
		if m.config.AllowNoAuth && isHealthEndpoint(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)

		key, err := m.ValidateKey(apiKey)
		if err != nil {
			m.logger.Warn("authentication failed",
				"path", r.URL.Path,
				"method", r.Method,
				"error", err,
				"remote_addr", r.RemoteAddr,
			)

			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission returns middleware that checks for a specific permission.
// When authentication is disabled it passes everything through.
func (m *APIKeyManager) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			key := GetAPIKeyFromContext(r.Context())
			if key == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !key.HasPermission(perm) {
				m.logger.Warn("permission denied",
					"key_id", key.ID,
					"permission", perm,
					"path", r.URL.Path,
				)
				http.Error(w, "permission denied", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// hashKey creates a SHA-256 hash of the API key.
func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// generateID creates a unique ID for API keys.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("key_%s", hex.EncodeToString(b))
}

// extractAPIKey extracts the API key from the request.
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return r.Header.Get("X-API-Key")
}

// isHealthEndpoint checks if the path is a health/readiness endpoint.
func isHealthEndpoint(path string) bool {
	healthPaths := []string{"/health", "/healthz", "/readyz", "/livez", "/metrics"}
	for _, hp := range healthPaths {
		if path == hp {
			return true
		}
	}
	return false
}

// SecureCompare performs constant-time string comparison to prevent timing attacks.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// min returns the smaller of two ints.
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// LoadAPIKeyConfigFromEnv creates API key config from environment variables.
//
// Environment variables:
//
//	BUFFERD_AUTH_ENABLED=true
//	BUFFERD_API_ROOT_KEY=bd_xxxx... (admin key)
//	BUFFERD_AUTH_ALLOW_HEALTH=false (require auth even for health checks)
func LoadAPIKeyConfigFromEnv() APIKeyManagerConfig {
	config := DefaultAPIKeyManagerConfig()

	if os.Getenv("BUFFERD_AUTH_ENABLED") == "true" {
		config.Enabled = true
	}

	if rootKey := os.Getenv("BUFFERD_API_ROOT_KEY"); rootKey != "" {
		config.StaticKeys = append(config.StaticKeys, StaticKey{
			Name:  "Root Admin Key",
			Key:   rootKey,
			Roles: []string{RoleAdmin},
		})
	}

	if os.Getenv("BUFFERD_AUTH_ALLOW_HEALTH") == "false" {
		config.AllowNoAuth = false
	}

	return config
}
