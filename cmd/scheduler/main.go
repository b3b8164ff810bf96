package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/engine"
	"github.com/example/campaign-dispatch/internal/scheduler"
	"github.com/example/campaign-dispatch/internal/store"
	"github.com/example/campaign-dispatch/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("campaign-scheduler")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate schema")
	}
	db, err := store.NewPostgres(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}

	producer := worker.NewWriter(cfg.KafkaBrokers, cfg.DispatchTopic)
	defer producer.Close()

	s := &scheduler.Scheduler{
		Campaigns: db,
		Engine: &engine.Service{
			Campaigns:  db,
			Recipients: db,
			Gateways:   db,
			Logger:     logger,
		},
		Queue:    &worker.Publisher{Writer: producer, Reason: "schedule"},
		Interval: cfg.SchedulerInterval,
		Logger:   logger,
	}

	logger.Info().Dur("interval", cfg.SchedulerInterval).Msg("campaign scheduler started")
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("scheduler stopped")
	}
}
