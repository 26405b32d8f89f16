// Package stats aggregates prover throughput and submission outcomes. The
// aggregator is a read-only consumer of dispatcher and worker pool events;
// it never influences control flow.
package stats

import (
	"sync"
	"time"
)

// Outcome classifies a submission's fate as reported by the pool
type Outcome int

// Submission outcomes
const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeTransportError
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// SlotSnapshot is per-slot throughput at snapshot time
type SlotSnapshot struct {
	Proofs    uint64
	LastProof time.Time
}

// Snapshot is a point-in-time read-only view of the aggregator
type Snapshot struct {
	TotalProofs     uint64
	Accepted        uint64
	Rejected        uint64
	TransportErrors uint64
	Stale           uint64
	AuthFailures    uint64
	Reconnects      uint64
	Generation      uint64
	ProofRate       float64 // proofs per minute over the sliding window
	Uptime          time.Duration
	Slots           map[int]SlotSnapshot
}

// Aggregator counts proofs and submission outcomes. Safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	accepted        uint64
	rejected        uint64
	transportErrors uint64
	stale           uint64
	authFailures    uint64
	reconnects      uint64
	totalProofs     uint64
	generation      uint64

	window     time.Duration
	proofTimes []time.Time
	perSlot    map[int]SlotSnapshot
	started    time.Time

	now func() time.Time
}

// NewAggregator creates an aggregator with the given sliding window for the
// proof rate calculation
func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = time.Minute
	}
	return &Aggregator{
		window:  window,
		perSlot: make(map[int]SlotSnapshot),
		started: time.Now(),
		now:     time.Now,
	}
}

// RecordProof records a completed proof from the given slot
func (a *Aggregator) RecordProof(slotID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.totalProofs++
	a.proofTimes = append(a.proofTimes, now)
	a.prune(now)

	slot := a.perSlot[slotID]
	slot.Proofs++
	slot.LastProof = now
	a.perSlot[slotID] = slot
}

// RecordSubmission records a submission outcome reported by the pool
func (a *Aggregator) RecordSubmission(outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch outcome {
	case OutcomeAccepted:
		a.accepted++
	case OutcomeRejected:
		a.rejected++
	case OutcomeTransportError:
		a.transportErrors++
	}
}

// RecordStale records a result discarded for carrying an obsolete generation.
// Stale results are not failures; they touch no other counter.
func (a *Aggregator) RecordStale() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stale++
}

// RecordAuthFailure records a rejected authorization attempt
func (a *Aggregator) RecordAuthFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authFailures++
}

// RecordReconnect records a session loss that triggered the backoff path
func (a *Aggregator) RecordReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnects++
}

// RecordGeneration records the latest job generation seen by the dispatcher
func (a *Aggregator) RecordGeneration(generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation = generation
}

// Snapshot returns a copy of all counters
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.prune(now)

	slots := make(map[int]SlotSnapshot, len(a.perSlot))
	for id, slot := range a.perSlot {
		slots[id] = slot
	}

	return Snapshot{
		TotalProofs:     a.totalProofs,
		Accepted:        a.accepted,
		Rejected:        a.rejected,
		TransportErrors: a.transportErrors,
		Stale:           a.stale,
		AuthFailures:    a.authFailures,
		Reconnects:      a.reconnects,
		Generation:      a.generation,
		ProofRate:       a.rate(now),
		Uptime:          now.Sub(a.started),
		Slots:           slots,
	}
}

// prune drops proof timestamps older than the window. Callers hold a.mu.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.proofTimes) && a.proofTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.proofTimes = append(a.proofTimes[:0], a.proofTimes[i:]...)
	}
}

// rate returns proofs per minute over the observed window. Callers hold a.mu.
func (a *Aggregator) rate(now time.Time) float64 {
	if len(a.proofTimes) == 0 {
		return 0
	}

	span := a.window
	if uptime := now.Sub(a.started); uptime < span {
		span = uptime
	}
	if span <= 0 {
		return 0
	}
	return float64(len(a.proofTimes)) / span.Minutes()
}
