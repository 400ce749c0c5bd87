// stac-mosaic-tiler server entry point
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/config"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/logging"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.New(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	defer log.Sync()
	logger := log.Logger
	slog.SetDefault(logger)

	logger.Info("starting stac-mosaic-tiler",
		slog.String("version", version),
		slog.String("catalog", cfg.Catalog.URL),
		slog.String("addr", cfg.Server.Address()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewFromConfig(ctx, cfg, logger, version)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		srv.Close(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down server", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if err := srv.Close(shutdownCtx); err != nil {
		logger.Warn("failed to release resources", slog.String("error", err.Error()))
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown error: %w", shutdownErr)
	}

	logger.Info("server stopped")
	return nil
}
