package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"cache_backend", cfg.Mapping.CacheBackend,
		"store_backend", cfg.Import.StoreBackend,
		"channels", len(cfg.Import.Channels),
		"ingest_max_concurrent", cfg.Ingest.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()
	deps, closeDeps, err := buildDeps(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise backends", "error", err)
		os.Exit(1)
	}
	defer closeDeps()

	service := core.NewService(serviceConfig(cfg), deps)
	server := web.NewServer(service, cfg)

	// Background jobs stop when jobCtx is cancelled.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.StartSweeper(jobCtx, cfg.Session.SweepInterval)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Running imports are cancelled after their in-flight batches and
		// in-flight ingests get to finish.
		status := service.UploadStatus()
		slog.Info("stopping imports and ingests", "active_ingests", status.Active)
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("service did not stop cleanly", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		closeDeps()
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func serviceConfig(cfg *config.Config) core.ServiceConfig {
	return core.ServiceConfig{
		Ingest: core.IngestorConfig{
			MaxFileSize:        cfg.Ingest.MaxFileSize,
			StreamingThreshold: cfg.Ingest.StreamingThreshold,
			PreviewRows:        cfg.Ingest.PreviewRows,
			SampleRows:         cfg.Ingest.SampleRows,
			TempDir:            cfg.Ingest.TempDir,
		},
		Executor: core.ExecutorConfig{
			BatchSize:        cfg.Import.BatchSize,
			Workers:          cfg.Import.Workers,
			WriteTimeout:     cfg.Import.WriteTimeout,
			MaxRetryAttempts: cfg.Import.MaxRetryAttempts,
			WritesPerSecond:  cfg.Import.WritesPerSecond,
			ChannelTimeout:   cfg.Import.SyndicationTimeout,
		},
		Thresholds: core.Thresholds{
			FuzzyKeep:     cfg.Mapping.FuzzyKeepThreshold,
			FuzzyAccept:   cfg.Mapping.FuzzyAcceptThreshold,
			Historical:    cfg.Mapping.HistoricalThreshold,
			Statistical:   cfg.Mapping.StatisticalThreshold,
			Semantic:      cfg.Mapping.SemanticThreshold,
			SemanticCap:   cfg.Mapping.SemanticCap,
			LowConfidence: cfg.Mapping.LowConfidenceWarning,
		},
		SemanticTimeout:      cfg.Mapping.SemanticTimeout,
		DomainHint:           cfg.Mapping.DomainHint,
		SessionTTL:           cfg.Session.TTL,
		MaxConcurrentUploads: cfg.Ingest.MaxConcurrent,
		UploadWait:           cfg.Ingest.MaxWaitTime,
	}
}
