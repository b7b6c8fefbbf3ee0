package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/tiercache/internal/config"
)

type routeRegistrar interface {
	RegisterRoutes(*http.ServeMux)
}

var errNilConfig = errors.New("config is required")

func buildMux(cfg *config.Config, handler routeRegistrar) (*http.ServeMux, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	mux := http.NewServeMux()
	if handler != nil {
		handler.RegisterRoutes(mux)
	}

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	return mux, nil
}
