package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blueberrycongee/tiercache/internal/config"
)

type fakeRegistrar struct{}

func (fakeRegistrar) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", func(http.ResponseWriter, *http.Request) {})
}

func TestBuildMux_RegistersHandlerAndMetrics(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	mux, err := buildMux(cfg, fakeRegistrar{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}

	if got := routePattern(mux, http.MethodPost, "/api/query"); got != "POST /api/query" {
		t.Fatalf("mux missing query route, got pattern %q", got)
	}
	if got := routePattern(mux, http.MethodGet, "/metrics"); got != "GET /metrics" {
		t.Fatalf("mux missing metrics route, got pattern %q", got)
	}
}

func TestBuildMux_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"}}

	mux, err := buildMux(cfg, fakeRegistrar{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}
	if got := routePattern(mux, http.MethodGet, "/metrics"); got != "" {
		t.Fatalf("metrics route should be absent, got pattern %q", got)
	}
}

func TestBuildMux_NilConfig(t *testing.T) {
	if _, err := buildMux(nil, fakeRegistrar{}); err != errNilConfig {
		t.Fatalf("buildMux(nil) error = %v, want %v", err, errNilConfig)
	}
}

func routePattern(mux *http.ServeMux, method, path string) string {
	req := httptest.NewRequest(method, path, nil)
	_, pattern := mux.Handler(req)
	return pattern
}
