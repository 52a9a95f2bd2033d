// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/api"
	"github.com/JakeFAU/siterag/internal/chunk"
	"github.com/JakeFAU/siterag/internal/clock/system"
	"github.com/JakeFAU/siterag/internal/config"
	"github.com/JakeFAU/siterag/internal/dispatcher"
	"github.com/JakeFAU/siterag/internal/embed"
	collyfetcher "github.com/JakeFAU/siterag/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/siterag/internal/fetcher/headless"
	"github.com/JakeFAU/siterag/internal/fetcher/promote"
	"github.com/JakeFAU/siterag/internal/hash/sha256"
	"github.com/JakeFAU/siterag/internal/headless/detector"
	"github.com/JakeFAU/siterag/internal/id/uuid"
	"github.com/JakeFAU/siterag/internal/llm/hashembed"
	"github.com/JakeFAU/siterag/internal/llm/openai"
	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/notify"
	memorypublisher "github.com/JakeFAU/siterag/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/siterag/internal/publisher/pubsub"
	"github.com/JakeFAU/siterag/internal/query"
	queueMemory "github.com/JakeFAU/siterag/internal/queue/memory"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/scrape"
	"github.com/JakeFAU/siterag/internal/session"
	gcsstorage "github.com/JakeFAU/siterag/internal/storage/gcs"
	localstorage "github.com/JakeFAU/siterag/internal/storage/local"
	memoryStorage "github.com/JakeFAU/siterag/internal/storage/memory"
	pgstore "github.com/JakeFAU/siterag/internal/storage/postgres"
	"github.com/JakeFAU/siterag/internal/tasks"
	"github.com/JakeFAU/siterag/internal/vectorindex/badger"
	vectormemory "github.com/JakeFAU/siterag/internal/vectorindex/memory"
	"github.com/JakeFAU/siterag/internal/worker"
)

const readinessProbeSession = "readyz"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Sessions is the single writer of session metadata.
	Sessions *session.Manager
	Scrape   *scrape.Orchestrator
	Embed    *embed.Pipeline
	Query    *query.Pipeline
	Registry *tasks.Registry

	store     rag.DocumentStore
	index     rag.VectorIndex
	notifier  *notify.Notifier
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	gcsClient       *storage.Client
	pgStore         *pgstore.DocumentStore
	badgerIndex     *badger.Index
	headless        *headlessfetcher.Fetcher
	pubsubPublisher *gcppublisher.Publisher

	closing   atomic.Bool
	closeOnce sync.Once
}

// Build creates the application's dependencies. The returned App must be
// closed by the caller.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("fetcher", cfg.Crawler.Fetcher),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.store, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if a.index, err = a.setupIndex(); err != nil {
		return err
	}
	embedder, err := a.setupEmbedder()
	if err != nil {
		return err
	}
	generator, err := openai.NewGenerator(openai.Config{
		Host:        a.cfg.LLM.Host,
		Model:       a.cfg.LLM.Model,
		APIKey:      a.cfg.LLM.APIKey,
		Temperature: a.cfg.LLM.Temperature,
	}, a.logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("generator init failed: %w", err)
	}
	fetcher, err := a.setupFetcher()
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	hasher := sha256.New()
	a.notifier = notify.New(publisher, notify.DefaultTimeout, a.logger.Named("notify"))
	a.Sessions = session.NewManager(
		a.store,
		clock,
		uuid.New(),
		a.logger.Named("session"),
		metrics.SessionObserver{},
		a.notifier,
	)
	a.Registry = tasks.NewRegistry()
	a.Scrape = scrape.New(a.Sessions, a.store, fetcher, a.Registry, hasher, clock, scrape.Config{
		MaxPages:      a.cfg.Crawler.MaxPages,
		MaxDepth:      a.cfg.Crawler.MaxDepth,
		Delay:         a.cfg.Crawler.Delay,
		MaxFailures:   a.cfg.Crawler.MaxFailures,
		FetchAttempts: a.cfg.Crawler.FetchAttempts,
	}, a.logger)

	chunker, err := chunk.New(a.cfg.Chunking.Size, a.cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("chunker init failed: %w", err)
	}
	a.Embed, err = embed.New(a.Sessions, a.store, chunker, embedder, a.index, a.Registry, hasher,
		embed.WithConcurrency(a.cfg.Embedding.Concurrency),
		embed.WithMaxAttempts(a.cfg.Embedding.MaxAttempts),
		embed.WithLogger(a.logger.Named("embed")),
	)
	if err != nil {
		return fmt.Errorf("embedding pipeline init failed: %w", err)
	}
	a.Query = query.New(a.Sessions, embedder, a.index, generator, query.Config{
		DefaultTopK: a.cfg.Query.DefaultTopK,
		MaxTopK:     a.cfg.Query.MaxTopK,
		Rewrite:     a.cfg.Query.Rewrite,
	}, a.logger)

	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Crawler.Workers)
	for i := 0; i < a.cfg.Crawler.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.Scrape,
			a.Embed,
			worker.Config{AutoEmbed: a.cfg.Pipeline.AutoEmbed},
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, clock, workers)
	a.logger.Info("worker pool configured",
		zap.Int("workers", a.cfg.Crawler.Workers),
		zap.Int("queue_depth", a.cfg.Crawler.QueueDepth),
		zap.Bool("auto_embed", a.cfg.Pipeline.AutoEmbed),
	)

	a.apiServer = api.NewServer(api.Deps{
		Sessions: a.Sessions,
		Tasks:    a.dispatch,
		Embed:    a.Embed,
		Query:    a.Query,
		Registry: a.Registry,
		Ready:    a.ready,
	}, *a.cfg, a.logger.Named("api"))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (rag.DocumentStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs document store init failed: %w", err)
		}
		return store, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("dir", a.cfg.Storage.Dir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("local document store init failed: %w", err)
		}
		return store, nil
	case "postgres":
		a.logger.Info("using postgres storage backend", zap.String("table", a.cfg.Storage.Table))
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:   a.cfg.Storage.DSN,
			Table: a.cfg.Storage.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres document store init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewDocumentStore(), nil
	}
}

func (a *App) setupIndex() (rag.VectorIndex, error) {
	if a.cfg.Vector.Backend != "badger" {
		a.logger.Info("using in-memory vector index")
		return vectormemory.New(), nil
	}
	idx, err := badger.Open(badger.Options{Path: a.cfg.Vector.Path}, a.logger.Named("badger"))
	if err != nil {
		return nil, fmt.Errorf("badger index init failed: %w", err)
	}
	a.badgerIndex = idx
	a.logger.Info("using badger vector index", zap.String("path", a.cfg.Vector.Path))
	return idx, nil
}

func (a *App) setupEmbedder() (rag.Embedder, error) {
	if a.cfg.Embedding.Provider == "hash" {
		a.logger.Warn("using hashing embedder; answers will rely on lexical overlap only",
			zap.Int("dimensions", a.cfg.Embedding.Dimensions))
		emb, err := hashembed.New(a.cfg.Embedding.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("hash embedder init failed: %w", err)
		}
		return emb, nil
	}
	emb, err := openai.NewEmbedder(openai.Config{
		Host:   a.cfg.Embedding.Host,
		Model:  a.cfg.Embedding.Model,
		APIKey: a.cfg.LLM.APIKey,
	}, a.logger.Named("embedder"))
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	a.logger.Info("using openai-compatible embedder",
		zap.String("host", a.cfg.Embedding.Host),
		zap.String("model", a.cfg.Embedding.Model),
	)
	return emb, nil
}

func (a *App) setupFetcher() (rag.Fetcher, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.Crawler.RequestTimeout,
	}, a.logger.Named("fetcher"))
	if a.cfg.Crawler.Fetcher == "colly" {
		a.logger.Info("using colly fetcher",
			zap.String("user_agent", a.cfg.Crawler.UserAgent),
			zap.Bool("respect_robots", a.cfg.Crawler.RespectRobots),
		)
		return probe, nil
	}

	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = f
	if a.cfg.Crawler.Fetcher == "headless" {
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return f, nil
	}
	a.logger.Info("using colly fetcher with headless promotion",
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
		zap.Int("promotion_threshold", a.cfg.Headless.PromotionThreshold),
	)
	return promote.New(probe, f, detector.NewHeuristic(a.cfg.Headless.PromotionThreshold), a.logger.Named("fetcher")), nil
}

func (a *App) setupPublisher(ctx context.Context) (rag.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultLimit), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubPublisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// ready fails once shutdown starts or when the vector index cannot be read.
func (a *App) ready(ctx context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	if _, err := a.index.Count(ctx, readinessProbeSession); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	return nil
}

// Crawl creates a session for req and runs the scrape and embed stages in the
// foreground. Embedding is skipped when the scrape does not end in scraped.
func (a *App) Crawl(ctx context.Context, req session.CreateRequest) (rag.SessionMetadata, error) {
	id, err := a.Sessions.Create(ctx, req)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	meta, err := a.Scrape.Run(ctx, id)
	if err != nil || meta.Status != rag.StatusScraped {
		return meta, err
	}
	return a.Embed.Run(ctx, id)
}

// Ask answers a question against a ready session.
func (a *App) Ask(ctx context.Context, req query.Request) (rag.Answer, error) {
	return a.Query.Ask(ctx, req)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP and consumes the task queue until the context is canceled
// or the process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Registry.CancelAll()
	a.dispatch.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Close cancels in-flight tasks and releases every client. It is safe to call
// more than once.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		if a.Registry != nil {
			a.Registry.CancelAll()
		}
		if a.queue != nil {
			a.queue.Close()
		}
		if a.Embed != nil {
			a.Embed.Release()
		}
		if a.notifier != nil {
			a.notifier.Wait()
		}
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.badgerIndex != nil {
		if err := a.badgerIndex.Close(); err != nil {
			a.logger.Warn("badger index close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
