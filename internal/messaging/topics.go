package messaging

// Topic constants for the prover event stream
const (
	// TopicProverEvents carries submission outcomes and state transitions
	TopicProverEvents = "prover.events"

	// TopicProverStats carries periodic stats snapshots
	TopicProverStats = "prover.stats"
)
