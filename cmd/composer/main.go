package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/compose"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/ingestion"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/persistence"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/server"
)

func main() {
	log := observability.NewLogger("composer")
	log.Info().Msg("composer starting")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure streams")
	}

	// --- Engine ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	gateway := chain.NewGatewayClient(cfg.GatewayURL, log)
	registry := compose.NewRegistry(gateway, cfg.MaxNFTsPerLeg, cfg.SessionIdleTimeout, log, metrics)
	go registry.Run(ctx)

	subscriber := ingestion.NewMovementSubscriber(js, registry, log, metrics)
	if err := subscriber.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe movements")
	}
	defer subscriber.Stop()

	auditWorker := persistence.NewAuditWorker(db, cfg.AuditBatchSize, cfg.AuditFlushTimeout, log, metrics)
	go func() {
		if err := auditWorker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("audit worker stopped")
		}
	}()

	publisher := ingestion.NewBatchPublisher(js, log, metrics)

	// --- HTTP API ---
	api := server.New(cfg.HTTPAddr, registry, health, metrics, log, publisher, auditWorker)
	go func() {
		if err := api.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	// --- Metrics endpoint ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	health.SetReady(true)
	log.Info().Str("addr", cfg.HTTPAddr).Msg("composer ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	health.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("composer stopped")
}
