package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/campaign-dispatch/internal/api"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/engine"
	"github.com/example/campaign-dispatch/internal/phone"
	"github.com/example/campaign-dispatch/internal/roster"
	"github.com/example/campaign-dispatch/internal/store"
	"github.com/example/campaign-dispatch/internal/suppression"
	"github.com/example/campaign-dispatch/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("campaign-api")
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

	normalizer := phone.New(cfg.CountryCode)
	registry := suppression.NewRegistry(db, normalizer)
	svc := &engine.Service{
		Campaigns:  db,
		Recipients: db,
		Gateways:   db,
		Roster: &roster.Builder{
			Contacts:     db,
			Suppressions: registry,
			Recipients:   db,
			Normalizer:   normalizer,
			Logger:       logger,
		},
		Logger: logger,
	}

	producer := worker.NewWriter(cfg.KafkaBrokers, cfg.DispatchTopic)
	defer producer.Close()

	h := api.NewHandler(svc, registry, db, &worker.Publisher{Writer: producer, Reason: "api"}, logger)

	srv := &http.Server{
		Addr:              formatAddr(cfg.HTTPPort),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("campaign api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func formatAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
