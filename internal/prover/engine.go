package prover

import (
	"context"
	"errors"
	"time"
)

// Proving attempt errors. The worker pool switches on these; anything else
// is treated as an internal fault and retried after a short pause.
var (
	// ErrCancelled means the attempt was abandoned cooperatively, usually
	// because a newer job generation superseded it. Expected and silent.
	ErrCancelled = errors.New("proving attempt cancelled")

	// ErrDeviceUnavailable means the backing device is transiently gone.
	// The slot backs off and retries; it never exits.
	ErrDeviceUnavailable = errors.New("proving device unavailable")

	// ErrInvalidChallenge means the job's challenge cannot be proven against.
	ErrInvalidChallenge = errors.New("invalid epoch challenge")

	// ErrTargetNotMet means the nonce produced a valid but below-target
	// proof. The normal miss case; the worker moves to the next nonce.
	ErrTargetNotMet = errors.New("proof below target")
)

// Engine is the proof engine adapter consumed by worker slots. An engine
// performs exactly one proving attempt per call, blocking until the attempt
// completes, fails, or is cancelled via ctx.
type Engine interface {
	Attempt(ctx context.Context, job *Job, address string, nonce uint64, slot Slot) (*ProofResult, error)
}

// CPUEngine runs attempts on the calling goroutine via a proof capability
type CPUEngine struct {
	capability Capability
}

// NewCPUEngine creates a CPU-path engine
func NewCPUEngine(capability Capability) *CPUEngine {
	return &CPUEngine{capability: capability}
}

// Attempt implements Engine
func (e *CPUEngine) Attempt(ctx context.Context, job *Job, address string, nonce uint64, slot Slot) (*ProofResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	start := time.Now()
	proof, err := e.capability.Prove(ctx, job.EpochChallenge, address, nonce, TargetFromDifficulty(job.TargetDifficulty))
	if err != nil {
		return nil, err
	}

	return &ProofResult{
		Generation: job.Generation,
		Nonce:      nonce,
		Proof:      proof,
		Address:    address,
		SlotID:     slot.ID,
		Elapsed:    time.Since(start),
	}, nil
}
