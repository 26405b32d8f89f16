package messaging

import "time"

// SubmissionEvent reports a proof submission outcome to the event stream
type SubmissionEvent struct {
	Worker     string    `json:"worker"`
	Address    string    `json:"address"`
	Generation uint64    `json:"generation"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StateEvent reports a session state machine transition
type StateEvent struct {
	Worker     string    `json:"worker"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Endpoint   string    `json:"endpoint"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SnapshotEvent reports a periodic stats snapshot
type SnapshotEvent struct {
	Worker       string    `json:"worker"`
	TotalProofs  uint64    `json:"total_proofs"`
	Accepted     uint64    `json:"accepted"`
	Rejected     uint64    `json:"rejected"`
	Stale        uint64    `json:"stale"`
	ProofRate    float64   `json:"proof_rate"`
	Generation   uint64    `json:"generation"`
	Reconnects   uint64    `json:"reconnects"`
	AuthFailures uint64    `json:"auth_failures"`
	OccurredAt   time.Time `json:"occurred_at"`
}
