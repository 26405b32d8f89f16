package prover

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Capability is the proof system boundary. A capability performs exactly one
// proving attempt for a single nonce; looping across nonces belongs to the
// worker pool. Implementations must poll ctx between internal rounds and
// return ErrCancelled so a superseded attempt can be abandoned promptly.
type Capability interface {
	Prove(ctx context.Context, challenge []byte, address string, nonce uint64, target uint64) ([]byte, error)
}

// TargetFromDifficulty converts a pool target difficulty into the numeric
// bound a proof digest must stay under. Higher difficulty, lower bound.
func TargetFromDifficulty(difficulty uint64) uint64 {
	if difficulty == 0 {
		difficulty = 1
	}
	return math.MaxUint64 / difficulty
}

// ProofDigestValue interprets the leading 8 bytes of a proof digest as the
// value compared against the target bound.
func ProofDigestValue(proof []byte) uint64 {
	if len(proof) < 8 {
		return math.MaxUint64
	}
	return binary.BigEndian.Uint64(proof[:8])
}

// HashCapability is the reference CPU proof capability: an iterated
// double-SHA256 chain over the challenge, payout address, and nonce. Rounds
// controls the chain length; cancellation is polled between rounds.
type HashCapability struct {
	Rounds int
}

// Prove implements Capability
func (h *HashCapability) Prove(ctx context.Context, challenge []byte, address string, nonce uint64, target uint64) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, ErrInvalidChallenge
	}

	rounds := h.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	seed := make([]byte, 0, len(challenge)+len(address)+8)
	seed = append(seed, challenge...)
	seed = append(seed, address...)
	seed = binary.LittleEndian.AppendUint64(seed, nonce)

	digest := chainhash.DoubleHashB(seed)
	for i := 1; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		digest = chainhash.DoubleHashB(digest)
	}

	if ProofDigestValue(digest) > target {
		return nil, ErrTargetNotMet
	}
	return digest, nil
}

// Verify recomputes a proof and checks it against the target. Used in tests
// and available to operators for spot-checking submissions.
func (h *HashCapability) Verify(challenge []byte, address string, nonce uint64, target uint64, proof []byte) bool {
	recomputed, err := h.Prove(context.Background(), challenge, address, nonce, target)
	if err != nil {
		return false
	}
	if len(recomputed) != len(proof) {
		return false
	}
	for i := range recomputed {
		if recomputed[i] != proof[i] {
			return false
		}
	}
	return true
}
