package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/approval"
	"github.com/spacesedan/hookflow/internal/cache"
	"github.com/spacesedan/hookflow/internal/clients"
	"github.com/spacesedan/hookflow/internal/clients/kafka_client"
	"github.com/spacesedan/hookflow/internal/db"
	"github.com/spacesedan/hookflow/internal/generation"
	"github.com/spacesedan/hookflow/internal/logging"
	"github.com/spacesedan/hookflow/internal/monitoring"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/pipeline"
	"github.com/spacesedan/hookflow/internal/platform"
	"github.com/spacesedan/hookflow/internal/publishing"
	"github.com/spacesedan/hookflow/internal/queue"
	"github.com/spacesedan/hookflow/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	config.LoadEnv(env)
	cfg := config.Load()
	logging.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("[Worker] Exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("[Worker] Shut down cleanly")
}

func run(ctx context.Context, cfg config.Config) error {
	pg, err := clients.NewPostgres(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer pg.Close()

	store := db.NewStore(pg.DB)
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	vc, err := clients.NewValkeyClient(ctx, cfg.Valkey)
	if err != nil {
		return err
	}
	defer vc.Close()

	ai, err := clients.NewOpenAIClient(cfg.OpenAI)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dispatcher := queue.NewDispatcher(vc, queue.Config{
		Prefix:       cfg.Valkey.Prefix,
		StallTimeout: cfg.Workers.StallTimeout,
		PollInterval: cfg.Workers.PollInterval,
	}, queue.NewMetrics(reg))

	g, ctx := errgroup.WithContext(ctx)

	events := notify.NewRegistry()
	if cfg.Kafka.Enabled {
		producer, err := kafka_client.NewProducer(ctx, cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		observer := notify.NewKafkaObserver(producer, 0)
		events.AddObserver(observer)
		g.Go(func() error {
			observer.Run(ctx)
			return nil
		})
	}

	approvals := approval.NewService(store, scheduler.New(store), dispatcher, events)

	deps := generation.Deps{
		Generator: generation.NewOpenAIGenerator(ai.Client),
		Memo:      cache.NewMemo(cache.NewValkeyCache(vc, cfg.Valkey.Prefix+":cache"), cfg.Pipeline.CacheTTL),
	}
	svc := pipeline.New(store, dispatcher, approvals, events, deps, generation.ConfigFrom(cfg))
	svc.GenerateImages = cfg.Pipeline.GenerateImages

	exec, err := newExecutor(ctx, cfg, store, dispatcher, events)
	if err != nil {
		return err
	}

	var paused, healthy atomic.Bool
	healthy.Store(true)
	g.Go(func() error {
		monitoring.MonitorHealth(ctx, "openai", ai, cfg.OpenAI.HealthEvery, &healthy, func(ok bool) {
			paused.Store(!ok)
		})
		return nil
	})

	pipeline.RegisterWorkers(dispatcher, pipeline.JobsFor(cfg.Workers), svc, exec, &paused)

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg, dispatcher) })

	return g.Wait()
}

func newExecutor(ctx context.Context, cfg config.Config, store *db.Store, jobs queue.Enqueuer, events notify.Publisher) (*publishing.Executor, error) {
	apis := make([]platform.Platform, 0, len(cfg.Platforms))
	for _, api := range cfg.Platforms {
		apis = append(apis, platform.NewHTTPPlatform(api))
	}
	exec := publishing.NewExecutor(store, platform.NewCredentials(store, cfg.Platforms), platform.NewRegistry(apis...), jobs, events)
	exec.AnalyticsDelay = cfg.Pipeline.AnalyticsDelay

	if cfg.AWS.ArchiveEnable {
		awsCfg, err := clients.NewAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		exec.Archive = db.NewMetricsArchive(clients.NewDynamoDBClient(awsCfg, cfg.AWS), cfg.AWS.MetricsTable)
	}

	if cfg.OpenSearch.Endpoint != "" {
		search, err := clients.NewOpensearch(ctx, cfg.Env, cfg.OpenSearch)
		if err != nil {
			return nil, err
		}
		if !search.IsHealthy(ctx) {
			slog.Warn("[Worker] OpenSearch is not healthy yet, indexing is best effort")
		}
		exec.Index = search
	}
	return exec, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, dispatcher *queue.Dispatcher) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for _, q := range []string{"generation", "publishing", "analytics"} {
			if _, err := dispatcher.Counts(r.Context(), q); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[Worker] Serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
