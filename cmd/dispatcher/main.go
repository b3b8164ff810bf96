package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/dispatch"
	"github.com/example/campaign-dispatch/internal/engine"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/store"
	"github.com/example/campaign-dispatch/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("campaign-dispatcher")
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

	d := &dispatch.Dispatcher{
		Store: db,
		Config: dispatch.Config{
			Concurrency:    cfg.DispatchConcurrency,
			GatewayTimeout: cfg.GatewayTimeout,
			MaxRetries:     cfg.MaxRetries,
			RetryBackoff:   cfg.RetryBackoff,
		},
		Logger: logger,
	}
	if cfg.GatewayConcurrencyCap > 0 {
		rdb, err := common.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		d.Limiter = dispatch.NewRedisLimiter(rdb, cfg.GatewayConcurrencyCap, cfg.GatewayTimeout, logger)
	}

	httpClient := &http.Client{Timeout: cfg.GatewayTimeout}
	svc := &engine.Service{
		Campaigns:  db,
		Recipients: db,
		Gateways:   db,
		Dispatcher: d,
		NewGateway: func(gc gateway.Config) (gateway.Gateway, error) {
			return gateway.New(gc, gateway.Options{Client: httpClient, BulkBatchSize: cfg.BulkBatchSize, Logger: logger})
		},
		Leases:   db,
		LeaseTTL: cfg.DispatchLeaseTTL,
		Logger:   logger,
	}

	dlq := worker.NewWriter(cfg.KafkaBrokers, cfg.DLQTopic)
	defer dlq.Close()
	events := worker.NewWriter(cfg.KafkaBrokers, cfg.CampaignEventsTopic)
	defer events.Close()

	w := &worker.Worker{
		ReaderFactory: func() worker.MessageReader {
			return worker.NewReader(cfg.KafkaBrokers, cfg.ServiceName, cfg.DispatchTopic)
		},
		DLQWriter:   dlq,
		EventWriter: events,
		Runner:      svc,
		Logger:      logger,
	}

	logger.Info().Int("concurrency", cfg.DispatchConcurrency).Msg("campaign dispatcher started")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("dispatcher stopped")
	}
}
