// Package app assembles the scraper from configuration and runs it either
// once (CLI) or behind the HTTP API (serve).
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/api"
	"github.com/JakeFAU/market-index-scraper/internal/clock/system"
	"github.com/JakeFAU/market-index-scraper/internal/config"
	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/dispatcher"
	"github.com/JakeFAU/market-index-scraper/internal/extract"
	"github.com/JakeFAU/market-index-scraper/internal/fetcher"
	collyfetcher "github.com/JakeFAU/market-index-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/market-index-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/market-index-scraper/internal/hash/sha256"
	"github.com/JakeFAU/market-index-scraper/internal/id/uuid"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
	"github.com/JakeFAU/market-index-scraper/internal/policy/gate"
	"github.com/JakeFAU/market-index-scraper/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/market-index-scraper/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/market-index-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/market-index-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/market-index-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/market-index-scraper/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pipeline *Pipeline

	headless     *headlessfetcher.Transport
	storage      *storage.Client
	snapshots    *pgstore.SnapshotStore
	pubsubClient *pubsub.Client
	topic        *pubsub.Topic
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("transport", cfg.HTTP.Transport),
		zap.Int("concurrency", cfg.Scraper.Concurrency),
		zap.Duration("batch_deadline", cfg.Scraper.BatchDeadline),
		zap.String("archive", cfg.Archive.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	batch, err := a.setupDispatcher()
	if err != nil {
		return nil, err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	deps := PipelineDeps{
		Batch: batch,
		Extractor: extract.New(extract.Config{
			RowSelector:     cfg.Extractor.RowSelector,
			CurrentSelector: cfg.Extractor.CurrentSelector,
			MinCells:        cfg.Extractor.MinCells,
		}, logger.Named("extract")),
		Archive:   archive,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
	}
	if a.snapshots != nil {
		deps.Snapshots = a.snapshots
	}
	a.pipeline = NewPipeline(deps, PipelineConfig{
		OutputDir:       cfg.Output.Dir,
		Local:           cfg.Output.Local,
		ArchivePrefix:   cfg.Archive.Prefix,
		MetricsTextfile: cfg.Metrics.Textfile,
	}, logger.Named("pipeline"))

	ok = true
	return a, nil
}

// Pipeline exposes the assembled pipeline.
func (a *App) Pipeline() *Pipeline {
	return a.pipeline
}

// Run scrapes already loaded targets; targetsFile names the report.
func (a *App) Run(ctx context.Context, targetsFile string, all []crawler.FetchTarget) (crawler.RunReport, error) {
	return a.pipeline.Run(ctx, targetsFile, all)
}

// RunOnce loads and scrapes the configured targets file.
func (a *App) RunOnce(ctx context.Context) (crawler.RunReport, error) {
	return a.pipeline.RunFile(ctx, a.cfg.Scraper.TargetsFile)
}

// Serve runs the HTTP API until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(api.RunnerFunc(a.RunOnce), system.New(), api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
		BaseContext: ctx,
	}, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	server.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Close releases every client opened by Build. It is safe to call on a
// partially built App.
func (a *App) Close() {
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.snapshots != nil {
		a.snapshots.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) setupTransport() (crawler.Transport, error) {
	switch a.cfg.HTTP.Transport {
	case config.TransportHeadless:
		t, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			WaitSelector:      a.cfg.Headless.WaitSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("headless transport init failed: %w", err)
		}
		a.headless = t
		a.logger.Info("using headless transport", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return t, nil
	default:
		a.logger.Info("using colly transport", zap.String("user_agent", a.cfg.HTTP.UserAgent))
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.HTTP.UserAgent,
			RespectRobots: a.cfg.HTTP.RespectRobots,
			Timeout:       a.cfg.HTTP.Timeout,
		}), nil
	}
}

func (a *App) setupDispatcher() (*dispatcher.Dispatcher, error) {
	transport, err := a.setupTransport()
	if err != nil {
		return nil, err
	}

	var opts []fetcher.Option
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RateLimitRPS,
		DefaultBurst: a.cfg.HTTP.RateLimitBurst,
	})
	if limiter.Enabled() {
		opts = append(opts, fetcher.WithWaiter(limiter))
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.HTTP.RateLimitRPS),
			zap.Int("burst", a.cfg.HTTP.RateLimitBurst),
		)
	}
	pages := fetcher.New(
		transport,
		crawler.NewFixedRetryPolicy(a.cfg.HTTP.MaxRetries, a.cfg.HTTP.RetryBackoff),
		a.logger.Named("fetcher"),
		opts...,
	)

	g, err := gate.New(a.cfg.Scraper.Concurrency, gate.WithObserver(metrics.SetGateInFlight))
	if err != nil {
		return nil, fmt.Errorf("concurrency gate init failed: %w", err)
	}
	return dispatcher.New(
		g,
		pages,
		system.New(),
		uuid.New(),
		dispatcher.Config{BatchDeadline: a.cfg.Scraper.BatchDeadline},
		a.logger.Named("dispatcher"),
	), nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.Verify(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("archive disabled")
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no database DSN configured, snapshots disabled")
		return nil
	}
	store, err := pgstore.NewSnapshotStore(ctx, pgstore.SnapshotStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("snapshot store init failed: %w", err)
	}
	a.snapshots = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("snapshot schema init failed: %w", err)
	}
	a.logger.Info("snapshot store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, run events disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.topic = client.Topic(a.cfg.PubSub.Topic)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return gcppublisher.New(a.topic), nil
}
