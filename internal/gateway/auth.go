package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/hookrelay/internal/security"
)

// AdminAuth guards operator endpoints with a single bearer token.
type AdminAuth struct {
	token string
}

// NewAdminAuth returns a guard for token. An empty token rejects every request.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: strings.TrimSpace(token)}
}

// Wrap wraps an http.Handler with admin token checking.
func (a *AdminAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			writeJSON(w, http.StatusNotFound, errorBody{Code: "admin_disabled", Message: "admin API is disabled"})
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing admin token"})
			return
		}
		if !security.EqualSecret(key, a.token) {
			writeJSON(w, http.StatusForbidden, errorBody{Code: "forbidden", Message: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts a token from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Query param is for tools where headers are awkward, such as curl one-liners.
	return r.URL.Query().Get("api_key")
}
