// Package main is the entry point for the tiered cache server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blueberrycongee/tiercache/internal/config"
	"github.com/blueberrycongee/tiercache/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		JSONFormat: cfg.Logging.Format == "json",
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.Info("starting tiercache", "version", "0.1.0", "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgManager.OnChange(func(next *config.Config) {
		lvl, err := observability.ParseLevel(next.Logging.Level)
		if err != nil {
			logger.Warn("ignoring log level change", "error", err)
			return
		}
		if lvl != logger.Level() {
			logger.SetLevel(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	secrets, err := newSecretResolver(ctx, cfg.Secrets, logger.Slog())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return fmt.Errorf("init secrets: %w", err)
	}
	defer secrets.Close()

	resolved, err := resolveCredentials(ctx, secrets, cfg)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return err
	}

	a, err := newApp(ctx, resolved, tp.Tracer(), logger.Slog())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return err
	}

	mux, err := buildMux(cfg, a.handler)
	if err != nil {
		return err
	}
	middleware, err := buildMiddlewareStack(cfg, tp.Tracer(), logger.Slog())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("writeback drain incomplete", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}
