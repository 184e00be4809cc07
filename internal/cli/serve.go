package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/config"
	httpAdapter "github.com/aretw0/tessera/pkg/adapters/http"
	"github.com/aretw0/tessera/pkg/adapters/mcp"
	"github.com/aretw0/tessera/pkg/stream"
)

// Serve runs the HTTP API and the session janitor until ctx is done, then
// shuts the listener down within cfg.Server.ShutdownTimeout.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	streams := httpAdapter.NewStreamManager(httpAdapter.WithStreamLogger(logger))
	app, err := Build(ctx, cfg, logger, tessera.WithTransport(func(string) stream.Transport { return streams }))
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Close failed", "err", err)
		}
	}()

	opts := []httpAdapter.Option{
		httpAdapter.WithStreams(streams),
		httpAdapter.WithLogger(logger),
	}
	if app.Metrics != nil {
		opts = append(opts, httpAdapter.WithMetricsHandler(app.Metrics))
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpAdapter.NewHandler(app.Runtime, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		if err := app.Runtime.Run(janitorCtx); err != nil {
			logger.Error("Janitor stopped", "err", err)
		}
	}()

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting Tessera Server", "addr", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Start shutdown", "timeout", cfg.Server.ShutdownTimeout)

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "err", err)
			if err := srv.Close(); err != nil {
				return fmt.Errorf("error killing server: %w", err)
			}
		}
		logger.Info("Tessera Server stopped gracefully")
		return nil
	}
}

// ServeMCP runs the MCP server over "stdio" or "sse".
func ServeMCP(ctx context.Context, cfg config.Config, logger *slog.Logger, transport string, port int) error {
	buffer := stream.NewBufferTransport(0)
	app, err := Build(ctx, cfg, logger, tessera.WithTransport(func(string) stream.Transport { return buffer }))
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Close failed", "err", err)
		}
	}()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		if err := app.Runtime.Run(janitorCtx); err != nil {
			logger.Error("Janitor stopped", "err", err)
		}
	}()

	srv := mcp.NewServer(app.Runtime, buffer, mcp.WithLogger(logger))
	switch transport {
	case "stdio":
		logger.Info("Starting Tessera MCP Server (Stdio)")
		return srv.ServeStdio()
	case "sse":
		logger.Info("Starting Tessera MCP Server (SSE)", "port", port)
		if err := srv.ServeSSE(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.Info("MCP Server stopped gracefully")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
	}
}
