// Package app builds and holds the long-lived services shared by the CLI
// commands, acting as a small dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/api"
	"github.com/JakeFAU/guqu-crawler/internal/clock/system"
	"github.com/JakeFAU/guqu-crawler/internal/config"
	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/guqu-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/guqu-crawler/internal/id/uuid"
	"github.com/JakeFAU/guqu-crawler/internal/pipeline"
	"github.com/JakeFAU/guqu-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/guqu-crawler/internal/storage/gcs"
	"github.com/JakeFAU/guqu-crawler/internal/storage/local"
	"github.com/JakeFAU/guqu-crawler/internal/storage/memory"
	"github.com/JakeFAU/guqu-crawler/internal/storage/postgres"
	"github.com/JakeFAU/guqu-crawler/internal/telemetry"
)

const (
	runIDPrefix = "run-"
	serviceName = "guqu-crawler"
)

// newGCSClient opens the storage client for the gcs backend; tests replace it.
var newGCSClient = func(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

// App holds the services built from one Config.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Clock    *system.Clock
	IDs      *uuid.Generator
	Fetcher  *collyfetcher.Fetcher
	Pipeline *pipeline.Pipeline
	Records  crawler.RecordSink
	Media    crawler.MediaStore

	closers []func() error
}

// New wires every service described by cfg. It fails fast when a backend
// cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, IDs: uuid.NewWithPrefix(runIDPrefix)}

	clk, err := system.NewInZone(cfg.Server.Timezone)
	if err != nil {
		return nil, err
	}
	a.Clock = clk

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RateLimitRPS, Burst: cfg.HTTP.RateLimitBurst})
	a.Fetcher, err = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Site.UserAgent,
		Host:      cfg.Site.Host,
		Referer:   cfg.Site.Referer,
		Charset:   cfg.Site.Charset,
		Timeout:   cfg.HTTP.Timeout,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithMediaFetcher(a.Fetcher),
		pipeline.WithIDGenerator(a.IDs),
	}
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: serviceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.WithoutCancel(ctx))
		})
		opts = append(opts, pipeline.WithTracerProvider(tp))
	}

	a.Pipeline, err = pipeline.New(PipelineConfig(cfg), a.Fetcher, logger.Named("pipeline"), opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	if a.Media, err = a.newMediaStore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init media store: %w", err)
	}
	if a.Records, err = a.newRecordSink(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init record sink: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("base_url", cfg.Site.BaseURL),
	)
	return a, nil
}

// PipelineConfig maps service configuration onto the pipeline's knobs.
func PipelineConfig(cfg config.Config) pipeline.Config {
	stage := func(s config.StageConfig) pipeline.StageConfig {
		return pipeline.StageConfig{
			Concurrency: s.Concurrency,
			Timeout:     s.Timeout,
			MaxAttempts: s.MaxAttempts,
			RetryDelay:  s.RetryDelay,
		}
	}
	return pipeline.Config{
		BaseURL:           cfg.Site.BaseURL,
		DetailURLTemplate: cfg.Site.DetailURLTemplate,
		ListingPagePrefix: cfg.Site.ListingPagePrefix,
		ListingPageExt:    cfg.Site.ListingPageExt,
		DefaultCategories: cfg.Crawler.Categories,
		Pagination:        stage(cfg.Stages.Pagination),
		Listing:           stage(cfg.Stages.Listing),
		Detail:            stage(cfg.Stages.Detail),
		Media:             stage(cfg.Stages.Media),
	}
}

// Server builds the HTTP API on top of the container's services.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Pipeline, a.Records, a.Media, a.Clock, a.Config, a.Logger)
}

func (a *App) newMediaStore(ctx context.Context) (crawler.MediaStore, error) {
	switch a.Config.Storage.Backend {
	case config.BackendLocal:
		a.Logger.Info("using local media store", zap.String("dir", a.Config.Storage.MediaDir))
		return local.New(local.Config{BaseDir: a.Config.Storage.MediaDir})
	case config.BackendGCS:
		client, err := newGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.Logger.Info("using gcs media store", zap.String("bucket", a.Config.Storage.GCSBucket))
		return gcs.New(client, gcs.Config{Bucket: a.Config.Storage.GCSBucket, Prefix: a.Config.Storage.GCSPrefix})
	case config.BackendMemory:
		a.Logger.Info("using in-memory media store; media is discarded on exit")
		return memory.NewMediaStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.Config.Storage.Backend)
	}
}

func (a *App) newRecordSink(ctx context.Context) (crawler.RecordSink, error) {
	switch a.Config.DB.Backend {
	case config.BackendMemory:
		a.Logger.Info("using in-memory record sink; records are discarded on exit")
		return memory.NewRecordStore(), nil
	case config.BackendPostgres:
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:      a.Config.DB.DSN,
			Table:    a.Config.DB.Table,
			MaxConns: a.Config.DB.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.Logger.Info("using postgres record sink", zap.String("table", a.Config.DB.Table))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db backend %q", a.Config.DB.Backend)
	}
}

// Close releases backend connections and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close service failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
