package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/hookrelay/internal/config"
)

// adminCORS answers cross-origin requests to the admin API so a browser
// dashboard on another origin can poll it. Webhooks and /ws never see it.
type adminCORS struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   string
	headers   string
	maxAge    string
}

func newAdminCORS(cfg config.CORSConfig) *adminCORS {
	c := &adminCORS{origins: make(map[string]struct{}, len(cfg.AllowedOrigins))}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			c.anyOrigin = true
			continue
		}
		c.origins[strings.TrimRight(o, "/")] = struct{}{}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		// The admin API is read only.
		methods = []string{http.MethodGet, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Authorization", "X-API-Key", "Content-Type"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	c.methods = strings.Join(methods, ", ")
	c.headers = strings.Join(headers, ", ")
	c.maxAge = strconv.Itoa(maxAge)
	return c
}

func (c *adminCORS) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if c.anyOrigin {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

func (c *adminCORS) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		origin := r.Header.Get("Origin")
		ok := c.allowed(origin)
		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", c.methods)
			h.Set("Access-Control-Allow-Headers", c.headers)
			h.Set("Access-Control-Max-Age", c.maxAge)
		}

		if r.Method == http.MethodOptions {
			if origin != "" && !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware returns the admin API CORS wrapper, or a pass-through
// when cfg is disabled.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return newAdminCORS(cfg).wrap
}

func isAdminPath(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/api/")
}
