package main

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/blueberrycongee/tiercache/internal/config"
)

// corsPolicy is CORSConfig with its static response headers precomputed.
type corsPolicy struct {
	cfg    config.CORSConfig
	static http.Header
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	h := http.Header{}
	setJoined := func(key string, values []string) {
		if len(values) > 0 {
			h.Set(key, strings.Join(values, ", "))
		}
	}
	setJoined("Access-Control-Allow-Methods", cfg.AllowMethods)
	setJoined("Access-Control-Allow-Headers", cfg.AllowHeaders)
	setJoined("Access-Control-Expose-Headers", cfg.ExposeHeaders)
	if cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if secs := int64(cfg.MaxAge.Seconds()); secs > 0 {
		h.Set("Access-Control-Max-Age", strconv.FormatInt(secs, 10))
	}
	return &corsPolicy{cfg: cfg, static: h}
}

// allows applies the denylist first; "*" in it rejects every origin.
func (p *corsPolicy) allows(origin string) bool {
	denied := p.cfg.DeniedOrigins
	if slices.Contains(denied, "*") || slices.Contains(denied, origin) {
		return false
	}
	return p.cfg.AllowAllOrigins || slices.Contains(p.cfg.AllowedOrigins, origin)
}

func corsMiddleware(cfg config.CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	policy := newCORSPolicy(cfg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.allows(origin) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		h := w.Header()
		for k, v := range policy.static {
			h[k] = slices.Clone(v)
		}
		if cfg.AllowAllOrigins {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
