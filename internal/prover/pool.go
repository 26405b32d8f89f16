package prover

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gopp/pkg/log"
)

// jobState pairs a published job with a channel closed when the job is
// superseded, so in-flight attempts can cancel without polling.
type jobState struct {
	job        *Job
	superseded chan struct{}
}

// PoolConfig tunes the worker pool
type PoolConfig struct {
	// Address is the payout address stamped into every proof
	Address string

	// ResultBuffer sizes the completion channel. It must be generous enough
	// that a burst of near-simultaneous completions never blocks a worker.
	ResultBuffer int

	// DeviceRetryDelay is the fixed pause after ErrDeviceUnavailable
	DeviceRetryDelay time.Duration
}

// Pool runs one proving goroutine per worker slot. The dispatcher publishes
// jobs with Publish (single writer); workers observe the latest job through
// an atomically swapped pointer (many readers) and push completions to the
// results channel (many producers, one consumer).
type Pool struct {
	cfg     PoolConfig
	slots   []Slot
	engines map[int]Engine
	logger  *log.Logger

	current atomic.Pointer[jobState]
	results chan *ProofResult
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewPool creates a worker pool. engines maps slot ID to the engine backing
// that slot; every slot must have one.
func NewPool(cfg PoolConfig, slots []Slot, engines map[int]Engine, logger *log.Logger) *Pool {
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 1024
	}
	if cfg.DeviceRetryDelay <= 0 {
		cfg.DeviceRetryDelay = 3 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		slots:   slots,
		engines: engines,
		logger:  logger.WithComponent("worker_pool"),
		results: make(chan *ProofResult, cfg.ResultBuffer),
	}
}

// Start launches one goroutine per slot. Workers exit when ctx is cancelled,
// abandoning any in-flight attempt cooperatively.
func (p *Pool) Start(ctx context.Context) {
	for _, slot := range p.slots {
		engine := p.engines[slot.ID]
		p.wg.Add(1)
		go p.runSlot(ctx, slot, engine)
	}
	p.logger.Info("worker pool started", "slots", len(p.slots))
}

// Wait blocks until all workers have exited
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Results returns the completion channel consumed by the dispatcher
func (p *Pool) Results() <-chan *ProofResult {
	return p.results
}

// Publish replaces the active job. The previous job's in-flight attempts are
// cancelled through their attempt contexts; at most one job is active at a
// time.
func (p *Pool) Publish(job *Job) {
	next := &jobState{job: job, superseded: make(chan struct{})}
	prev := p.current.Swap(next)
	if prev != nil {
		close(prev.superseded)
	}
}

// Current returns the active job, or nil before the first Publish
func (p *Pool) Current() *Job {
	if state := p.current.Load(); state != nil {
		return state.job
	}
	return nil
}

// Dropped returns the number of results discarded because the completion
// channel was full
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// runSlot is the per-slot proving loop: observe the latest job, pick a
// nonce, run one attempt with cancellation bound to the job being
// superseded, and push any completion. Never exits on proving errors.
func (p *Pool) runSlot(ctx context.Context, slot Slot, engine Engine) {
	defer p.wg.Done()

	logger := p.logger.WithSlot(slot.ID, string(slot.Kind))
	logger.Info("worker slot started", "device", slot.Device)

	if engine == nil {
		logger.Error("no engine bound to slot")
		return
	}

	var (
		generation uint64
		nonce      uint64
	)

	for {
		if ctx.Err() != nil {
			logger.Info("worker slot stopping")
			return
		}

		state := p.current.Load()
		if state == nil {
			// No job yet; wait for the first publication.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if state.job.Generation != generation {
			generation = state.job.Generation
			nonce = rand.Uint64()
		}

		// Bind the attempt's cancellation to "this job was superseded".
		attemptCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-state.superseded:
				cancel()
			case <-attemptCtx.Done():
			}
		}()

		result, err := engine.Attempt(attemptCtx, state.job, p.cfg.Address, nonce, slot)
		cancel()

		switch {
		case err == nil:
			select {
			case p.results <- result:
			default:
				p.dropped.Add(1)
				logger.Warn("completion channel full, dropping result",
					"generation", result.Generation, "nonce", result.Nonce)
			}
			nonce++

		case errors.Is(err, ErrTargetNotMet):
			nonce++

		case errors.Is(err, ErrCancelled):
			// Superseded or shutting down; re-read the latest job.

		case errors.Is(err, ErrDeviceUnavailable):
			logger.Warn("device unavailable, backing off", "device", slot.Device)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.DeviceRetryDelay):
			}

		case errors.Is(err, ErrInvalidChallenge):
			logger.Error("invalid epoch challenge", "generation", state.job.Generation)
			// Nothing provable until a new job supersedes this one.
			select {
			case <-ctx.Done():
				return
			case <-state.superseded:
			}

		default:
			logger.WithError(err).Error("proving attempt failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
