// Package prover implements the proving side of the GOPP node: the proof
// capability boundary, the CPU/GPU engine adapters, and the worker pool that
// fans attempts out across slots.
package prover

import (
	"fmt"
	"time"
)

// SlotKind distinguishes CPU-share slots from GPU device slots
type SlotKind string

// Worker slot kinds
const (
	SlotCPU SlotKind = "cpu"
	SlotGPU SlotKind = "gpu"
)

// Slot represents one concurrent proving unit. Slots are created at startup
// from configuration and live for the process lifetime.
type Slot struct {
	ID     int
	Kind   SlotKind
	Device int // CPU affinity hint or GPU device index
}

// Name returns a stable human-readable slot identifier
func (s Slot) Name() string {
	return fmt.Sprintf("%s-%d", s.Kind, s.Device)
}

// Job is an immutable proving job. It is created by the dispatcher on receipt
// of a job notification and shared read-only with the worker pool.
type Job struct {
	Generation       uint64
	EpochChallenge   []byte
	TargetDifficulty uint64
	IssuedAt         time.Time
}

// ProofResult is a successful proving attempt. It is created by a worker and
// consumed exactly once by the dispatcher, which either submits or discards
// it based on the generation check.
type ProofResult struct {
	Generation uint64
	Nonce      uint64
	Proof      []byte
	Address    string
	SlotID     int
	Elapsed    time.Duration
}
