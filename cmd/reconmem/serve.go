package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fyrsmithlabs/reconmem/internal/http"
	"github.com/fyrsmithlabs/reconmem/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var reindexEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the reconmem HTTP API until SIGINT or SIGTERM.

Endpoints:
  POST /api/v1/chat        ask a question
  GET  /api/v1/context     read a user's conversation context
  GET  /api/v1/exemplars   show the exemplars chosen for a query
  POST /api/v1/feedback    rate an answer
  POST /api/v1/parse       parse raw model output
  GET  /health
  GET  /metrics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, reindexEvery)
		},
	}
	cmd.Flags().DurationVar(&reindexEvery, "reindex-interval", time.Minute, "how often to retry failed index writes")
	return cmd
}

func runServe(ctx context.Context, reindexEvery time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = root.Sync() }()
	logger := root.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version), logger.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	a, err := openApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	a.reindexPending(ctx)
	go func() {
		ticker := time.NewTicker(reindexEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.reindexPending(ctx)
			}
		}
	}()

	srv, err := httpserver.NewServer(httpserver.Services{
		Chat:      a.chat,
		Memory:    a.store,
		Exemplars: a.exemplars,
		Feedback:  a.feedback,
		Knowledge: a.knowledge,
		Archive:   a.archive,
	}, logger.Named("http"), &httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return err
	}

	logger.Info("starting reconmem",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("archive_driver", cfg.Archive.Driver),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("telemetry", tel.Enabled()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
