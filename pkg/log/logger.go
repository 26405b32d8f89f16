// Package log provides structured logging utilities for the GOPP pool prover.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with prover-specific convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSlot returns a logger with worker-slot fields
func (l *Logger) WithSlot(slotID int, kind string) *Logger {
	return l.WithFields("slot_id", slotID, "slot_kind", kind)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(generation, targetDifficulty uint64) *Logger {
	return l.WithFields("generation", generation, "target_difficulty", targetDifficulty)
}

// WithEndpoint returns a logger with a pool endpoint field
func (l *Logger) WithEndpoint(endpoint string) *Logger {
	return l.WithFields("endpoint", endpoint)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStateTransition logs session state machine transitions
func (l *Logger) LogStateTransition(from, to, endpoint string) {
	l.Info("session state transition",
		"from", from,
		"to", to,
		"endpoint", endpoint,
	)
}

// LogWireMessage logs pool protocol messages (debug level)
func (l *Logger) LogWireMessage(direction, kind string) {
	l.Debug("pool message",
		"direction", direction,
		"kind", kind,
	)
}

// Proving-specific logging helpers

// LogProofFound logs a completed proof before submission
func (l *Logger) LogProofFound(slotID int, generation, nonce uint64, elapsedMS float64) {
	l.Info("proof found",
		"slot_id", slotID,
		"generation", generation,
		"nonce", nonce,
		"elapsed_ms", elapsedMS,
	)
}

// LogProofSubmission logs a share submission outcome
func (l *Logger) LogProofSubmission(generation uint64, accepted bool, reason string) {
	l.Info("proof submission",
		"generation", generation,
		"accepted", accepted,
		"reason", reason,
	)
}

// LogSnapshot logs a periodic stats snapshot
func (l *Logger) LogSnapshot(total, accepted, rejected, stale uint64, proofRate float64) {
	l.Info("prover stats",
		"total_proofs", total,
		"accepted", accepted,
		"rejected", rejected,
		"stale", stale,
		"proofs_per_min", proofRate,
	)
}
