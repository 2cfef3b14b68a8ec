package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/clients"
	"github.com/spacesedan/hookflow/internal/clients/kafka_client"
	"github.com/spacesedan/hookflow/internal/consumers"
	"github.com/spacesedan/hookflow/internal/db"
	"github.com/spacesedan/hookflow/internal/generation"
	"github.com/spacesedan/hookflow/internal/logging"
	"github.com/spacesedan/hookflow/internal/monitoring"
	"github.com/spacesedan/hookflow/internal/pipeline"
	"github.com/spacesedan/hookflow/internal/queue"
	"golang.org/x/sync/errgroup"
)

const healthInterval = 5 * time.Second

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
		slog.Error("[Ingest] Exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("[Ingest] Shut down cleanly")
}

func run(ctx context.Context, cfg config.Config) error {
	pg, err := clients.NewPostgres(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer pg.Close()

	vc, err := clients.NewValkeyClient(ctx, cfg.Valkey)
	if err != nil {
		return err
	}
	defer vc.Close()

	// Ingestion only enqueues; the worker process runs the jobs.
	jobs := queue.NewDispatcher(vc, queue.Config{Prefix: cfg.Valkey.Prefix}, nil)
	svc := pipeline.New(db.NewStore(pg.DB), jobs, nil, nil, generation.Deps{}, generation.ConfigFrom(cfg))

	var valkeyOK, postgresOK atomic.Bool
	valkeyOK.Store(true)
	postgresOK.Store(true)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitoring.MonitorHealth(ctx, "valkey", monitoring.CheckFunc(vc.Ping), healthInterval, &valkeyOK, nil)
		return nil
	})
	g.Go(func() error {
		monitoring.MonitorHealth(ctx, "postgres", monitoring.CheckFunc(pg.DB.Ping), healthInterval, &postgresOK, nil)
		return nil
	})

	consumer := consumers.NewRawContentConsumer(svc, &valkeyOK, &postgresOK)
	registry := kafka_client.NewConsumerRegistry()
	registry.Register(kafka_client.KAFKA_TOPIC_RAW_CONTENT, consumer.Start)
	g.Go(func() error {
		return registry.Start(ctx, cfg.Kafka, kafka_client.KAFKA_TOPIC_RAW_CONTENT)
	})

	return g.Wait()
}
