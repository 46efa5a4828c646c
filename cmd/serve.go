package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidesk/tidesk/internal/api"
	"github.com/tidesk/tidesk/internal/observability"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // ingestion of large documents is slow
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes the application and serves the JSON API until
// SIGINT/SIGTERM.
func runServe(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting HTTP API server", "version", Version)

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Endpoint:    a.cfg.OTLPEndpoint,
		Environment: a.cfg.Environment,
		ServiceName: a.cfg.ServiceName,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:     a.logger,
		Ingestor:   a.ingestor,
		Chat:       a.chat,
		Pool:       a.pool,
		TrustProxy: a.cfg.TrustProxy,
		RateBurst:  a.cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	a.logger.Info("HTTP server ready",
		"addr", a.cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
