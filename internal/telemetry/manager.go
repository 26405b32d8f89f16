package telemetry

import (
	"context"
	"time"

	"github.com/bardlex/gopp/internal/stats"
	"github.com/bardlex/gopp/pkg/circuit"
	"github.com/bardlex/gopp/pkg/errors"
	"github.com/bardlex/gopp/pkg/log"
	"github.com/bardlex/gopp/pkg/retry"
)

// snapshotTTL ages out provers that stop reporting to the dashboard keys
const snapshotTTL = 5 * time.Minute

// Config holds configuration for all telemetry sinks. A nil sink config
// disables that sink.
type Config struct {
	Influx   *InfluxConfig
	RedisURL string
	Worker   string
}

// Manager coordinates the optional telemetry sinks. Sink failures are
// counted against a circuit breaker and logged; they never propagate to the
// proving path.
type Manager struct {
	Influx *InfluxClient
	Redis  *RedisClient

	worker string
	logger *log.Logger

	redisBreaker *circuit.Breaker
	retryConfig  *retry.Config
}

// NewManager connects whichever sinks are configured. A sink that fails to
// connect is reported through the returned error; callers decide whether to
// run without it.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		worker:       cfg.Worker,
		logger:       logger.WithComponent("telemetry"),
		redisBreaker: circuit.New(circuit.DefaultConfig()),
		retryConfig:  retry.TelemetryConfig(),
	}

	if cfg.Influx != nil {
		influxClient, err := NewInfluxClient(cfg.Influx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "influx_connection",
				"failed to connect to InfluxDB")
		}
		m.Influx = influxClient
	}

	if cfg.RedisURL != "" {
		redisClient, err := NewRedisClient(cfg.RedisURL)
		if err != nil {
			if m.Influx != nil {
				m.Influx.Close()
			}
			return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_connection",
				"failed to connect to Redis")
		}
		m.Redis = redisClient
	}

	return m, nil
}

// Enabled reports whether any sink is connected
func (m *Manager) Enabled() bool {
	return m.Influx != nil || m.Redis != nil
}

// ReportProof forwards a completed proof to the metric sinks
func (m *Manager) ReportProof(slotID int, kind string, generation uint64, elapsed time.Duration) {
	if m.Influx != nil {
		m.Influx.WriteProof(m.worker, slotID, kind, generation, elapsed)
	}
}

// ReportSubmission forwards a submission outcome to the metric sinks
func (m *Manager) ReportSubmission(outcome stats.Outcome, generation uint64) {
	if m.Influx != nil {
		m.Influx.WriteSubmission(m.worker, outcome.String(), generation)
	}
}

// ReportSnapshot pushes an aggregated snapshot to all connected sinks
func (m *Manager) ReportSnapshot(ctx context.Context, snap stats.Snapshot) {
	if m.Influx != nil {
		m.Influx.WriteSnapshot(m.worker, snap)
	}

	if m.Redis != nil {
		err := m.redisBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.Redis.SetSnapshot(ctx, m.worker, snap, snapshotTTL); err != nil {
					return errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_snapshot",
						"failed to publish snapshot")
				}
				return m.Redis.SetProofRate(ctx, m.worker, snap.ProofRate, snapshotTTL)
			})
		})
		if err != nil {
			m.logger.WithError(err).Warn("snapshot publish failed")
		}
	}
}

// Close shuts down all connected sinks
func (m *Manager) Close() {
	if m.Influx != nil {
		m.Influx.Close()
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			m.logger.WithError(err).Warn("redis close failed")
		}
	}
}
