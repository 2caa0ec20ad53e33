package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/hookrelay/internal/gateway"
)

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name  string
		token string
		setup func(*http.Request)
		want  int
	}{
		{name: "bearer", token: "adm", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer adm") }, want: http.StatusOK},
		{name: "x-api-key", token: "adm", setup: func(r *http.Request) { r.Header.Set("X-API-Key", "adm") }, want: http.StatusOK},
		{name: "query", token: "adm", setup: func(r *http.Request) { r.URL.RawQuery = "api_key=adm" }, want: http.StatusOK},
		{name: "missing", token: "adm", setup: func(*http.Request) {}, want: http.StatusUnauthorized},
		{name: "wrong", token: "adm", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, want: http.StatusForbidden},
		{name: "prefix of token", token: "adm", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer ad") }, want: http.StatusForbidden},
		{name: "disabled", token: "", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") }, want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := gateway.NewAdminAuth(tc.token).Wrap(okHandler())
			req := httptest.NewRequest("GET", "/api/connections", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestExtractAPIKey_Precedence(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/connections?api_key=q", nil)
	req.Header.Set("X-API-Key", "h")
	req.Header.Set("Authorization", "Bearer b")
	if got := gateway.ExtractAPIKey(req); got != "b" {
		t.Fatalf("expected bearer to win, got %q", got)
	}
	req.Header.Del("Authorization")
	if got := gateway.ExtractAPIKey(req); got != "h" {
		t.Fatalf("expected header to win over query, got %q", got)
	}
}
