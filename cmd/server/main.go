// QuoteHub merges tick streams from redundant brokerage gateway accounts,
// monitors their health, elects one source per contract, and republishes
// the surviving stream to strategy clients and dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/accounts"
	"github.com/aristath/quotehub/internal/aggregator"
	"github.com/aristath/quotehub/internal/config"
	"github.com/aristath/quotehub/internal/database"
	"github.com/aristath/quotehub/internal/egress"
	"github.com/aristath/quotehub/internal/events"
	"github.com/aristath/quotehub/internal/gateway"
	"github.com/aristath/quotehub/internal/health"
	"github.com/aristath/quotehub/internal/recovery"
	"github.com/aristath/quotehub/internal/reliability"
	"github.com/aristath/quotehub/internal/server"
	"github.com/aristath/quotehub/internal/supervisor"
	"github.com/aristath/quotehub/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quotehub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().
		Str("http_bind", cfg.HTTPBind).
		Str("tick_egress_bind", cfg.TickEgressBind).
		Bool("gateway_mock", cfg.GatewayMock).
		Msg("Starting QuoteHub")

	// The bus gets the raw logger; every other component logs through the
	// sink-hooked one so WARN+ records reach dashboard clients.
	bus := events.NewBus(log)
	hookedLog := log.Hook(events.NewLogSink(bus, zerolog.WarnLevel))

	db, err := database.New(database.Config{Path: cfg.AccountStorePath, Name: "accounts"})
	if err != nil {
		return fmt.Errorf("opening account store: %w", err)
	}
	defer db.Close()

	store, err := accounts.NewRepository(db, bus, hookedLog)
	if err != nil {
		return fmt.Errorf("initializing account store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(store, bus, gateway.NewFactory(cfg.GatewayMock), supervisor.Options{
		CanarySymbols: cfg.CanarySymbols,
		TickMaxSkew:   cfg.TickMaxSkew,
	}, hookedLog)
	if err := sup.Start(); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	monitor := health.NewMonitor(sup, bus, health.Options{
		Interval:        cfg.HealthInterval,
		CanaryThreshold: cfg.CanaryThreshold,
		Debounce:        cfg.DebounceWindow,
		CanarySymbols:   cfg.CanarySymbols,
	}, hookedLog)
	monitor.Start(ctx)

	recoverer := recovery.NewController(sup, bus, recovery.Options{
		CooldownMin: cfg.CooldownMin,
		CooldownMax: cfg.CooldownMax,
		MaxAttempts: cfg.MaxRestartAttempts,
		Observation: cfg.RecoveryObservation,
	}, hookedLog)
	recoverer.Start(ctx)

	publisher := egress.NewPublisher(egress.Options{
		Bind:            cfg.TickEgressBind,
		MetricsInterval: 30 * time.Second,
	}, bus, hookedLog)
	publisher.Start(ctx)
	defer publisher.Close()

	engine := aggregator.NewEngine(sup, monitor, store, publisher, bus, aggregator.Options{
		CrossTypeFailover: cfg.CrossTypeFailover,
	}, hookedLog)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting aggregation engine: %w", err)
	}
	defer engine.Stop()

	maintenance, err := setupMaintenance(ctx, cfg, db, bus, hookedLog)
	if err != nil {
		return err
	}
	if maintenance != nil {
		defer maintenance.Stop()
	}

	broadcaster := server.NewBroadcaster(bus, sup, monitor, engine, server.BroadcastOptions{
		PingInterval:    cfg.WSPingInterval,
		PongTimeout:     cfg.WSPongTimeout,
		MaxEventsPerSec: cfg.WSMaxEventsPerS,
	}, hookedLog)
	broadcaster.Start()

	srv := server.New(server.Config{
		Log:         hookedLog,
		Bind:        cfg.HTTPBind,
		DevMode:     cfg.DevMode,
		Store:       store,
		Supervisor:  sup,
		Health:      monitor,
		Recovery:    recoverer,
		Bindings:    engine,
		Bus:         bus,
		Broadcaster: broadcaster,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	// Ordered shutdown: stop accepting requests, stop the sessions, close
	// dashboard connections, then drain the bus.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	sup.Shutdown(shutdownCtx)
	broadcaster.Close()
	publisher.Close()
	bus.Close(3 * time.Second)

	log.Info().Msg("Shutdown complete")
	return nil
}

// setupMaintenance wires the cron upkeep of the accounts store, with the
// S3 snapshot upload when a bucket is configured.
func setupMaintenance(ctx context.Context, cfg *config.Config, db *database.DB, bus *events.Bus, log zerolog.Logger) (*reliability.Maintenance, error) {
	var backup *reliability.BackupService
	if cfg.Backup.Enabled() {
		s3Client, err := reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			return nil, fmt.Errorf("initializing backup client: %w", err)
		}
		backup = reliability.NewBackupService(db, s3Client, filepath.Dir(cfg.AccountStorePath), log)
	}

	maintenance := reliability.NewMaintenance(db, backup, bus, cfg.Backup.Schedule, cfg.Backup.RetentionDays, log)
	if err := maintenance.Start(); err != nil {
		return nil, err
	}
	return maintenance, nil
}
