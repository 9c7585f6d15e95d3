// Package app wires every broker component into the two runtime modes:
// "broker" runs the ingress transport plus all background tasks, "repair"
// runs a one-shot integrity repair scan over every provisioned topic.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/httpapi"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/instance"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/platform"
	"github.com/mydriatech/fragtale/internal/query"
	"github.com/mydriatech/fragtale/internal/storage/pgstore"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/topic"
)

// Run reads config, connects to infrastructure, and starts the configured
// mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fragtale", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("bootstrap migrations applied")

	backend := pgstore.New(db)
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	coordinator := instance.New(backend, cfg.Instance.MaxInstances,
		time.Duration(cfg.Instance.LeaseTTLMs)*time.Millisecond, cfg.Instance.ClaimAttempts, logger)
	if err := backend.CreateTable(ctx, instance.Schema); err != nil {
		return fmt.Errorf("creating instance table: %w", err)
	}
	if err := coordinator.Claim(ctx); err != nil {
		return fmt.Errorf("claiming instance id: %w", err)
	}
	go coordinator.RunRenewalLoop(ctx)

	topics := topic.New(backend,
		time.Duration(cfg.Topic.DefaultShardDurationL1Min)*time.Minute,
		time.Duration(cfg.Topic.DefaultShardDurationL2Hr)*time.Hour,
		time.Duration(cfg.Topic.DefaultShardDurationL3Day)*24*time.Hour,
	)
	if err := backend.CreateTable(ctx, topic.RegistrySchema); err != nil {
		return fmt.Errorf("creating topic registry table: %w", err)
	}

	gate := clock.NewGate()
	clockSvc := clock.NewService(coordinator.InstanceID(), gate, logger)
	monitor := clock.NewMonitor(cfg.Time.NTPHost,
		time.Duration(cfg.Time.ToleranceMs)*time.Millisecond,
		time.Duration(cfg.Time.SampleIntervalMs)*time.Millisecond,
		cfg.Time.MaxConsecutiveFails, gate, logger)
	go monitor.Run(ctx)

	if err := backend.CreateTable(ctx, integrity.SecretsSchema); err != nil {
		return fmt.Errorf("creating secrets table: %w", err)
	}
	secrets := integrity.NewSecretStore(backend)
	if err := ensureSecretGeneration(ctx, secrets, cfg.Integrity); err != nil {
		return fmt.Errorf("bootstrapping secret generation: %w", err)
	}

	integrityEngine := integrity.New(backend, topics, secrets, cfg.Integrity.Generation,
		cfg.Integrity.LeafCap, 4096, logger)
	go integrityEngine.Run(ctx)

	if cfg.Integrity.NextGeneration > 0 {
		rollover := integrity.NewRollover(backend, topics, secrets, cfg.Integrity.NextGeneration,
			cfg.Integrity.RolloverCheck, logger)
		go rollover.Run(ctx, topics.Names)
	}

	wakeup := platform.NewWakeupChannel(rdb)
	repairScanner := integrity.NewRepairScanner(backend, topics, integrityEngine, time.Minute, logger)

	ingestPipeline := ingest.New(clockSvc, topics, backend, integrityEngine, logger)
	ingestPipeline.SetNotifier(wakeupNotifier{wakeup})

	deliveryOpts := delivery.Options{
		LateArrivalWindow: time.Duration(cfg.Delivery.LateArrivalWindowMs) * time.Millisecond,
		LongPollTimeout:   time.Duration(cfg.Delivery.LongPollMs) * time.Millisecond,
		BackoffBase:       time.Duration(cfg.Delivery.BackoffBaseMs) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.Delivery.BackoffMaxMs) * time.Millisecond,
		BatchSize:         cfg.Delivery.BatchSize,
	}
	deliveryEngine := delivery.New(backend, topics, wakeup, deliveryOpts, logger)
	queryEngine := query.New(backend, topics, integrityEngine, logger)

	switch cfg.Mode {
	case "broker":
		go repairScanner.Run(ctx, topics.Names)
		return runBroker(ctx, cfg, logger, ingestPipeline, deliveryEngine, queryEngine, metricsReg)
	case "repair":
		return runRepair(ctx, logger, topics, repairScanner)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// ensureSecretGeneration publishes the configured integrity secret
// generation on first boot. A generation already published by another
// node is not an error.
func ensureSecretGeneration(ctx context.Context, secrets *integrity.SecretStore, cfg config.IntegrityConfig) error {
	if _, err := secrets.Load(ctx, cfg.Generation); err == nil {
		return nil
	}
	keyNew, err := decodeHexKey(cfg.SecretNewHex)
	if err != nil {
		return fmt.Errorf("decoding new secret: %w", err)
	}
	keyOld, err := decodeHexKey(cfg.SecretOldHex)
	if err != nil {
		return fmt.Errorf("decoding old secret: %w", err)
	}
	return secrets.Publish(ctx, integrity.Generation{
		Generation:   cfg.Generation,
		KeyNew:       keyNew,
		KeyOld:       keyOld,
		AlgorithmNew: integrity.Algorithm(cfg.AlgorithmNew),
		AlgorithmOld: integrity.Algorithm(cfg.AlgorithmOld),
		CreatedAt:    time.Now(),
	})
}

func decodeHexKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	return hex.DecodeString(hexKey)
}

func runBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, ingestPipeline *ingest.Pipeline, deliveryEngine *delivery.Engine, queryEngine *query.Engine, metricsReg *prometheus.Registry) error {
	srv := httpapi.NewServer(httpapi.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, ingestPipeline, deliveryEngine, queryEngine, metricsReg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runRepair runs one repair pass over every topic this node has resolved
// since startup, then returns. A repair node typically runs against the
// same deployment that also runs broker nodes actively publishing, so
// topics.Names reflects real traffic rather than an empty cache.
func runRepair(ctx context.Context, logger *slog.Logger, topics *topic.Registry, scanner *integrity.RepairScanner) error {
	names := topics.Names()
	logger.Info("repair: starting one-shot scan", "topics", names)

	for _, name := range names {
		scanner.ScanTopic(ctx, name)
	}
	logger.Info("repair: scan complete")
	return nil
}

// wakeupNotifier adapts *platform.WakeupChannel to ingest.Notifier.
type wakeupNotifier struct {
	ch *platform.WakeupChannel
}

func (w wakeupNotifier) Notify(ctx context.Context, topicName string) error {
	return w.ch.Notify(ctx, topicName)
}
