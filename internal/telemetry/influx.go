// Package telemetry pushes prover metrics to optional external sinks:
// InfluxDB for time-series metrics and Redis for fleet dashboards. Every
// sink is best-effort; the proving path never waits on telemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/bardlex/gopp/internal/stats"
)

// InfluxConfig holds InfluxDB connection configuration
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxClient wraps InfluxDB operations for time-series prover metrics
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// NewInfluxClient creates a new InfluxDB client and verifies connectivity
func NewInfluxClient(cfg *InfluxConfig) (*InfluxClient, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *InfluxClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *InfluxClient) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// WriteProof records a completed proof. Non-blocking; the write API batches
// and flushes in the background.
func (c *InfluxClient) WriteProof(worker string, slotID int, kind string, generation uint64, elapsed time.Duration) {
	point := influxdb2.NewPoint("proof",
		map[string]string{
			"worker":    worker,
			"slot_id":   fmt.Sprintf("%d", slotID),
			"slot_kind": kind,
		},
		map[string]interface{}{
			"generation": int64(generation),
			"elapsed_ms": float64(elapsed.Microseconds()) / 1000.0,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteSubmission records a submission outcome
func (c *InfluxClient) WriteSubmission(worker string, outcome string, generation uint64) {
	point := influxdb2.NewPoint("submission",
		map[string]string{
			"worker":  worker,
			"outcome": outcome,
		},
		map[string]interface{}{
			"generation": int64(generation),
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteSnapshot records an aggregated stats snapshot
func (c *InfluxClient) WriteSnapshot(worker string, snap stats.Snapshot) {
	point := influxdb2.NewPoint("prover_stats",
		map[string]string{
			"worker": worker,
		},
		map[string]interface{}{
			"total_proofs":     int64(snap.TotalProofs),
			"accepted":         int64(snap.Accepted),
			"rejected":         int64(snap.Rejected),
			"transport_errors": int64(snap.TransportErrors),
			"stale":            int64(snap.Stale),
			"auth_failures":    int64(snap.AuthFailures),
			"reconnects":       int64(snap.Reconnects),
			"generation":       int64(snap.Generation),
			"proofs_per_min":   snap.ProofRate,
			"uptime_sec":       snap.Uptime.Seconds(),
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}
