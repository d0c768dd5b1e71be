package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/shared"
)

// AuthMiddleware resolves inbound API keys to a tenant identity and channel.
// Every authenticated request carries tenant_id and channel in its context;
// handlers never trust tenant identifiers supplied in request bodies.
type AuthMiddleware struct {
	tenants []config.TenantKeyConfig
}

// NewAuthMiddleware creates an auth middleware from the configured tenant keys.
func NewAuthMiddleware(tenants []config.TenantKeyConfig) *AuthMiddleware {
	return &AuthMiddleware{tenants: tenants}
}

// Wrap wraps an http.Handler with API key authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays open for probes.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}

		tenantID, channel, ok := am.lookupKey(key)
		if !ok {
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		ctx := shared.WithTenantID(r.Context(), tenantID)
		ctx = shared.WithChannel(ctx, channel)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Query param fallback for WebSocket clients where headers are awkward.
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (tenantID, channel string, ok bool) {
	for _, t := range am.tenants {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t.Key)) == 1 {
			return t.TenantID, t.Channel, true
		}
	}
	return "", "", false
}
