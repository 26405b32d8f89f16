// Package main implements proverd, the GOPP pool prover daemon. It connects
// to a coordinating pool, receives proving jobs, fans them out across CPU
// and GPU worker slots, and submits completed proofs back for credit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bardlex/gopp/internal/config"
	"github.com/bardlex/gopp/internal/dispatcher"
	"github.com/bardlex/gopp/internal/messaging"
	"github.com/bardlex/gopp/internal/prover"
	"github.com/bardlex/gopp/internal/stats"
	"github.com/bardlex/gopp/internal/telemetry"
	"github.com/bardlex/gopp/pkg/log"
	"github.com/bardlex/gopp/pkg/retry"
)

func main() {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting proverd",
		"version", cfg.Version,
		"pool_addrs", cfg.PoolAddrs,
		"worker", cfg.WorkerName,
		"cpu_workers", cfg.CPUWorkers,
		"gpu_devices", cfg.GPUDevices,
	)

	slots, engines, err := buildSlots(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build worker slots")
		os.Exit(1)
	}

	aggregator := stats.NewAggregator(time.Minute)

	telemetryManager := buildTelemetry(cfg, logger)
	kafkaClient := buildKafka(cfg, logger)

	pool := prover.NewPool(prover.PoolConfig{
		Address:          cfg.PayoutAddress,
		ResultBuffer:     cfg.ResultBuffer,
		DeviceRetryDelay: cfg.DeviceRetryDelay,
	}, slots, engines, logger)

	backoff := retry.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffMultiplier, true)

	disp := dispatcher.New(dispatcher.Config{
		Endpoints:        cfg.PoolAddrs,
		Address:          cfg.PayoutAddress,
		Worker:           cfg.WorkerName,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PingInterval:     cfg.PingInterval,
		IdleTimeout:      cfg.IdleTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
	}, pool, aggregator, backoff, logger, buildHooks(cfg, slots, telemetryManager, kafkaClient))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := disp.Run(ctx); err != nil {
			logger.WithError(err).Error("dispatcher failed")
			cancel()
		}
	}()

	reporter := newReporter(cfg, aggregator, telemetryManager, kafkaClient, logger)
	go reporter.run(ctx)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	// Bounded graceful shutdown: workers abandon their current attempt
	// cooperatively, the dispatcher closes the session.
	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()

	poolDone := make(chan struct{})
	go func() {
		pool.Wait()
		close(poolDone)
	}()

	for _, ch := range []<-chan struct{}{dispatcherDone, poolDone} {
		select {
		case <-ch:
		case <-shutdownTimer.C:
			logger.Warn("shutdown timeout exceeded")
			os.Exit(1)
		}
	}

	if telemetryManager != nil {
		telemetryManager.Close()
	}
	if kafkaClient != nil {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka client")
		}
	}

	logger.Info("proverd stopped")
}

// buildSlots creates the worker slots and their engines from configuration.
// GPU slots are skipped with a warning when no accelerator capability is
// linked into this build; having zero usable slots is fatal.
func buildSlots(cfg *config.Config, logger *log.Logger) ([]prover.Slot, map[int]prover.Engine, error) {
	var slots []prover.Slot
	engines := make(map[int]prover.Engine)
	nextID := 0

	capability := &prover.HashCapability{Rounds: cfg.ProofRounds}

	for i := 0; i < cfg.CPUWorkers; i++ {
		slot := prover.Slot{ID: nextID, Kind: prover.SlotCPU, Device: i}
		slots = append(slots, slot)
		engines[slot.ID] = prover.NewCPUEngine(capability)
		nextID++
	}

	for _, device := range cfg.GPUDevices {
		engine, err := prover.NewGPUEngine(device)
		if err != nil {
			logger.Warn("skipping GPU device", "device", device, "error", err.Error())
			continue
		}
		slot := prover.Slot{ID: nextID, Kind: prover.SlotGPU, Device: device}
		slots = append(slots, slot)
		engines[slot.ID] = engine
		nextID++
	}

	if len(slots) == 0 {
		return nil, nil, fmt.Errorf("no usable worker slots")
	}
	return slots, engines, nil
}

// buildTelemetry connects the optional metric sinks. Telemetry is
// best-effort: a sink that cannot be reached is logged and skipped.
func buildTelemetry(cfg *config.Config, logger *log.Logger) *telemetry.Manager {
	telemetryConfig := &telemetry.Config{
		RedisURL: cfg.RedisURL,
		Worker:   cfg.WorkerName,
	}
	if cfg.InfluxURL != "" {
		telemetryConfig.Influx = &telemetry.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	if telemetryConfig.Influx == nil && telemetryConfig.RedisURL == "" {
		return nil
	}

	manager, err := telemetry.NewManager(telemetryConfig, logger)
	if err != nil {
		logger.WithError(err).Warn("telemetry disabled")
		return nil
	}
	return manager
}

// buildKafka creates the event stream client when brokers are configured
func buildKafka(cfg *config.Config, logger *log.Logger) *messaging.KafkaClient {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}
	return messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
}

// buildHooks wires dispatcher events into the observability sinks. Hooks
// publish asynchronously so the dispatcher never blocks on a sink.
func buildHooks(cfg *config.Config, slots []prover.Slot, manager *telemetry.Manager, kafkaClient *messaging.KafkaClient) dispatcher.Hooks {
	slotKinds := make(map[int]string, len(slots))
	for _, slot := range slots {
		slotKinds[slot.ID] = string(slot.Kind)
	}

	return dispatcher.Hooks{
		OnProof: func(result *prover.ProofResult) {
			if manager != nil {
				manager.ReportProof(result.SlotID, slotKinds[result.SlotID], result.Generation, result.Elapsed)
			}
		},
		OnTransition: func(from, to dispatcher.State, endpoint string) {
			if kafkaClient == nil {
				return
			}
			event := &messaging.StateEvent{
				Worker:     cfg.WorkerName,
				From:       from.String(),
				To:         to.String(),
				Endpoint:   endpoint,
				OccurredAt: time.Now(),
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = kafkaClient.PublishState(ctx, event)
			}()
		},
		OnSubmission: func(outcome stats.Outcome, generation uint64, reason string) {
			if manager != nil {
				manager.ReportSubmission(outcome, generation)
			}
			if kafkaClient == nil {
				return
			}
			event := &messaging.SubmissionEvent{
				Worker:     cfg.WorkerName,
				Address:    cfg.PayoutAddress,
				Generation: generation,
				Outcome:    outcome.String(),
				Reason:     reason,
				OccurredAt: time.Now(),
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = kafkaClient.PublishSubmission(ctx, event)
			}()
		},
	}
}

// reporter periodically logs and publishes stats snapshots
type reporter struct {
	cfg         *config.Config
	aggregator  *stats.Aggregator
	manager     *telemetry.Manager
	kafkaClient *messaging.KafkaClient
	logger      *log.Logger
	interval    time.Duration
}

func newReporter(cfg *config.Config, aggregator *stats.Aggregator, manager *telemetry.Manager, kafkaClient *messaging.KafkaClient, logger *log.Logger) *reporter {
	return &reporter{
		cfg:         cfg,
		aggregator:  aggregator,
		manager:     manager,
		kafkaClient: kafkaClient,
		logger:      logger.WithComponent("reporter"),
		interval:    cfg.ReportInterval,
	}
}

func (r *reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *reporter) report(ctx context.Context) {
	snap := r.aggregator.Snapshot()
	r.logger.LogSnapshot(snap.TotalProofs, snap.Accepted, snap.Rejected, snap.Stale, snap.ProofRate)

	if r.manager != nil {
		reportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		r.manager.ReportSnapshot(reportCtx, snap)
		cancel()
	}

	if r.kafkaClient != nil {
		event := &messaging.SnapshotEvent{
			Worker:       r.cfg.WorkerName,
			TotalProofs:  snap.TotalProofs,
			Accepted:     snap.Accepted,
			Rejected:     snap.Rejected,
			Stale:        snap.Stale,
			ProofRate:    snap.ProofRate,
			Generation:   snap.Generation,
			Reconnects:   snap.Reconnects,
			AuthFailures: snap.AuthFailures,
			OccurredAt:   time.Now(),
		}
		publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = r.kafkaClient.PublishSnapshot(publishCtx, event)
		cancel()
	}
}
