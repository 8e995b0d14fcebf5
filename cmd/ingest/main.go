// Command ingest runs the legislative bulk-data pipeline: discover
// publisher URLs, download and extract the archives, parse the documents,
// and upsert the records. It runs either as a one-shot batch or, with
// --serve, under the HTTP control server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/civiclens/capitol-ingest/internal/api/rest"
	"github.com/civiclens/capitol-ingest/internal/api/websocket"
	apperrors "github.com/civiclens/capitol-ingest/internal/errors"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/database"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/repository"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/discovery"
	"github.com/civiclens/capitol-ingest/internal/service/download"
	"github.com/civiclens/capitol-ingest/internal/service/extract"
	"github.com/civiclens/capitol-ingest/internal/service/linkcheck"
	"github.com/civiclens/capitol-ingest/internal/service/parse"
	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
	"github.com/civiclens/capitol-ingest/internal/service/retry"
)

const serviceVersion = "1.0.0"

func main() {
	flags := config.NewFlagSet("capitol-ingest")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(exitCode(err))
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("capitol-ingest failed", "error", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration problems to 2 and runtime failures to 1.
func exitCode(err error) int {
	if apperrors.IsCode(err, apperrors.CodeConfig) {
		return 2
	}
	return 1
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "capitol-ingest",
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry, err := metrics.NewRegistry("capitol-ingest")
	if err != nil {
		return fmt.Errorf("creating telemetry instruments: %w", err)
	}

	journal := retry.NewJournal(cfg.Output.RetryJSON)
	if n, err := journal.Count(); err == nil {
		metrics.SetRetryCandidates(n)
		registry.SetRetryBacklog(int64(n))
	}

	fetcher := download.NewDownloader(nil, journal, cfg.Output.Root, download.DownloadSettings{
		Concurrency:  cfg.Download.Concurrency,
		Retries:      cfg.Download.Retries,
		PerHostRPS:   cfg.Download.PerHostRPS,
		HeadTimeout:  cfg.Download.HeadTimeout,
		ChunkTimeout: cfg.Download.ChunkTimeout,
	}, logger)

	deps := pipeline.Dependencies{
		Discoverer: discovery.NewService(nil, discovery.DefaultSources(), cfg.Sources.GovinfoAPIKey, logger),
		Validator:  linkcheck.NewService(nil, cfg.Download.HeadTimeout, cfg.Download.Concurrency, logger),
		Fetcher:    fetcher,
		Extractor:  extract.NewExtractor(cfg.Extract.RemoveArchives, logger),
		Parser:     parse.NewService(logger),
		Journal:    journal,
	}

	if cfg.Database.URL != "" {
		zapLogger, _ := zap.NewProduction()
		defer zapLogger.Sync()

		pool, err := database.NewConnectionPool(ctx, &cfg.Database, zapLogger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := database.NewMigrator(pool.DB(), "migrations", logger).Up(ctx, 0); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}

		deps.Store = repository.NewRepositories(pool.Pool())
		registry.SetDBPoolSize(int64(cfg.Database.MaxConns))
	}

	sinks := eventFanout{newTelemetrySink(registry)}

	var hub *websocket.Hub
	if cfg.Server.Enabled {
		hub = websocket.NewHub(websocket.DefaultConfig(), logger)
		sinks = append(sinks, hub)
		fetcher.OnProgress(func(p download.Progress) {
			hub.Broadcast(pipeline.EventProgress, p)
		})
	}
	deps.Events = sinks

	runner := pipeline.NewRunner(cfg, deps, logger)

	if cfg.Server.Enabled {
		return rest.NewServer(cfg, runner, hub, logger).Start(ctx)
	}

	if _, err := runner.Run(ctx); err != nil {
		return err
	}
	if n, err := journal.Count(); err == nil {
		registry.SetRetryBacklog(int64(n))
	}
	return nil
}
