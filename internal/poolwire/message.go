// Package poolwire implements the pool protocol framing and message codec.
// Every frame on the wire is a 4-byte big-endian payload length followed by
// the payload: a 2-byte message kind and a kind-specific body.
package poolwire

import (
	"fmt"
)

// Protocol version constants. The handshake rejects peers below the minimum.
const (
	ProtocolVersion    uint16 = 3
	MinProtocolVersion uint16 = 3
)

// Kind identifies a pool protocol message on the wire
type Kind uint16

// Wire message kinds
const (
	KindHandshake        Kind = 0x01
	KindAuthorizeRequest Kind = 0x02
	KindAuthorizeResult  Kind = 0x03
	KindJobNotify        Kind = 0x04
	KindProofSubmit      Kind = 0x05
	KindSubmitResult     Kind = 0x06
	KindPing             Kind = 0x07
	KindPong             Kind = 0x08
)

// String returns the message kind name
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAuthorizeRequest:
		return "authorize_request"
	case KindAuthorizeResult:
		return "authorize_result"
	case KindJobNotify:
		return "job_notify"
	case KindProofSubmit:
		return "proof_submit"
	case KindSubmitResult:
		return "submit_result"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint16(k))
	}
}

// Message is a decoded pool protocol message
type Message interface {
	Kind() Kind
}

// Handshake opens a session; the pool answers with its own Handshake
type Handshake struct {
	Version uint16
}

// Kind implements Message
func (*Handshake) Kind() Kind { return KindHandshake }

// AuthorizeRequest identifies the prover to the pool
type AuthorizeRequest struct {
	Address string
	Worker  string
}

// Kind implements Message
func (*AuthorizeRequest) Kind() Kind { return KindAuthorizeRequest }

// AuthorizeResult is the pool's verdict on an AuthorizeRequest
type AuthorizeResult struct {
	Success bool
	Reason  string
}

// Kind implements Message
func (*AuthorizeResult) Kind() Kind { return KindAuthorizeResult }

// JobNotify carries a new proving job from the pool
type JobNotify struct {
	EpochChallenge   []byte
	TargetDifficulty uint64
}

// Kind implements Message
func (*JobNotify) Kind() Kind { return KindJobNotify }

// ProofSubmit carries a completed proof back to the pool
type ProofSubmit struct {
	Nonce   uint64
	Proof   []byte
	Address string
}

// Kind implements Message
func (*ProofSubmit) Kind() Kind { return KindProofSubmit }

// SubmitResult is the pool's verdict on a ProofSubmit
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// Kind implements Message
func (*SubmitResult) Kind() Kind { return KindSubmitResult }

// Ping is a keepalive probe; either side may send it
type Ping struct{}

// Kind implements Message
func (*Ping) Kind() Kind { return KindPing }

// Pong answers a Ping
type Pong struct{}

// Kind implements Message
func (*Pong) Kind() Kind { return KindPong }

// Unknown is produced for message kinds this build does not understand.
// Callers ignore it; unknown kinds are reserved for forward compatibility.
type Unknown struct {
	RawKind Kind
}

// Kind implements Message
func (u *Unknown) Kind() Kind { return u.RawKind }
