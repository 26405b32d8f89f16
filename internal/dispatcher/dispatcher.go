// Package dispatcher owns the pool connection and drives the session state
// machine: connect, handshake, authorize, receive jobs, submit proofs, and
// reconnect with backoff on any failure. It is the sole writer of the job
// generation and the single consumer of worker completions.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/bardlex/gopp/internal/poolwire"
	"github.com/bardlex/gopp/internal/prover"
	"github.com/bardlex/gopp/internal/stats"
	"github.com/bardlex/gopp/pkg/errors"
	"github.com/bardlex/gopp/pkg/log"
	"github.com/bardlex/gopp/pkg/retry"
)

// Config holds dispatcher configuration
type Config struct {
	// Endpoints lists pool servers; one is picked at random per attempt
	Endpoints []string

	// Address is the payout address sent in authorization and submissions
	Address string

	// Worker is the worker name reported to the pool
	Worker string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	MaxFrameSize     int
}

// Hooks are optional observability callbacks. The dispatcher never depends
// on them succeeding; they must not block.
type Hooks struct {
	OnTransition func(from, to State, endpoint string)
	OnProof      func(result *prover.ProofResult)
	OnSubmission func(outcome stats.Outcome, generation uint64, reason string)
}

// Dispatcher is the session state machine. All state transitions and all
// protocol traffic happen on the single goroutine running Run; workers only
// interact through the pool's published job and completion channel.
type Dispatcher struct {
	cfg    Config
	logger *log.Logger
	pool   *prover.Pool
	agg    *stats.Aggregator
	hooks  Hooks

	backoff *retry.Backoff
	dialer  net.Dialer

	state      atomic.Int32
	generation atomic.Uint64
	endpoint   string
}

// New creates a dispatcher. backoff governs the reconnect delay; it is reset
// every time the session reaches Ready.
func New(cfg Config, pool *prover.Pool, agg *stats.Aggregator, backoff *retry.Backoff, logger *log.Logger, hooks Hooks) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		logger:  logger.WithComponent("dispatcher"),
		pool:    pool,
		agg:     agg,
		hooks:   hooks,
		backoff: backoff,
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// State returns the current session state
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Generation returns the latest job generation. Generations are monotonic
// for the process lifetime; reconnects never reset them.
func (d *Dispatcher) Generation() uint64 {
	return d.generation.Load()
}

// Run drives the state machine until ctx is cancelled. It never returns an
// error for transport or protocol failures; those feed the reconnect loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		endpoint := d.cfg.Endpoints[rand.Intn(len(d.cfg.Endpoints))]
		d.endpoint = endpoint
		logger := d.logger.WithEndpoint(endpoint)

		sess, err := d.connect(ctx, endpoint, logger)
		if err != nil {
			logger.WithError(err).Warn("connection attempt failed")
			d.transition(StateDisconnected)
			if !d.sleepBackoff(ctx) {
				return nil
			}
			continue
		}

		err = d.establish(ctx, sess)
		if err != nil {
			logger.WithError(err).Warn("session establishment failed")
			sess.close()
			d.transition(StateDisconnected)
			if !d.sleepBackoff(ctx) {
				return nil
			}
			continue
		}

		d.transition(StateReady)
		d.backoff.Reset()

		err = d.serve(ctx, sess)
		sess.close()

		if ctx.Err() != nil {
			d.transition(StateDisconnected)
			return nil
		}

		logger.WithError(err).Warn("session lost")
		d.transition(StateDisconnected)
		d.agg.RecordReconnect()
		if !d.sleepBackoff(ctx) {
			return nil
		}
	}
}

// connect dials the endpoint and starts a brand-new session
func (d *Dispatcher) connect(ctx context.Context, endpoint string, logger *log.Logger) (*Session, error) {
	d.transition(StateConnecting)

	conn, err := d.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "connect", "failed to dial pool")
	}

	logger.LogConnection("connected", conn.RemoteAddr().String())

	sess := newSession(conn, logger, d.cfg.MaxFrameSize, d.cfg.IdleTimeout, d.cfg.WriteTimeout)
	sess.start()
	return sess, nil
}

// establish performs the handshake and authorization phases
func (d *Dispatcher) establish(ctx context.Context, sess *Session) error {
	d.transition(StateHandshaking)
	if err := d.handshake(ctx, sess); err != nil {
		return err
	}

	d.transition(StateAuthorizing)
	return d.authorize(ctx, sess)
}

// handshake exchanges protocol versions with the pool
func (d *Dispatcher) handshake(ctx context.Context, sess *Session) error {
	if err := sess.send(&poolwire.Handshake{Version: poolwire.ProtocolVersion}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "handshake", "failed to send handshake")
	}

	msg, err := d.await(ctx, sess, d.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	hs, ok := msg.(*poolwire.Handshake)
	if !ok {
		return errors.New(errors.ErrorTypeProtocol, "handshake",
			"unexpected message while handshaking").
			WithContext("kind", msg.Kind().String())
	}

	if hs.Version < poolwire.MinProtocolVersion {
		return errors.New(errors.ErrorTypeProtocol, "handshake",
			"pool protocol version too old").
			WithContext("peer_version", hs.Version).
			WithContext("min_version", poolwire.MinProtocolVersion)
	}
	return nil
}

// authorize identifies the prover to the pool. Authorization failures feed
// the same backoff path as transport errors; a persistently rejecting pool
// shows up in the stats as a climbing auth failure counter.
func (d *Dispatcher) authorize(ctx context.Context, sess *Session) error {
	req := &poolwire.AuthorizeRequest{Address: d.cfg.Address, Worker: d.cfg.Worker}
	if err := sess.send(req); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "authorize", "failed to send authorization")
	}

	msg, err := d.await(ctx, sess, d.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	result, ok := msg.(*poolwire.AuthorizeResult)
	if !ok {
		return errors.New(errors.ErrorTypeProtocol, "authorize",
			"unexpected message while authorizing").
			WithContext("kind", msg.Kind().String())
	}

	if !result.Success {
		d.agg.RecordAuthFailure()
		return errors.New(errors.ErrorTypeProtocol, "authorize",
			"pool rejected authorization").
			WithContext("reason", result.Reason)
	}
	return nil
}

// await waits for the next meaningful message during session establishment.
// Pings are answered inline and unknown kinds skipped.
func (d *Dispatcher) await(ctx context.Context, sess *Session, timeout time.Duration) (poolwire.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New(errors.ErrorTypeTimeout, "await", "timed out waiting for pool response")
		case err := <-sess.errs:
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "await", "session failed")
		case msg := <-sess.inbound:
			switch msg.(type) {
			case *poolwire.Ping:
				if err := sess.send(&poolwire.Pong{}); err != nil {
					return nil, err
				}
			case *poolwire.Unknown:
				d.logger.Debug("ignoring unknown message kind", "kind", msg.Kind().String())
			default:
				return msg, nil
			}
		}
	}
}

// serve is the Ready loop: the only state in which job notifications are
// accepted and proofs submitted. Returns when the session fails or ctx is
// cancelled.
func (d *Dispatcher) serve(ctx context.Context, sess *Session) error {
	ping := time.NewTicker(d.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sess.errs:
			return errors.Wrap(err, errors.ErrorTypeNetwork, "serve", "session failed")

		case <-ping.C:
			if err := sess.send(&poolwire.Ping{}); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "serve", "failed to send ping")
			}

		case msg := <-sess.inbound:
			if err := d.handleMessage(sess, msg); err != nil {
				return err
			}

		case result := <-d.pool.Results():
			if err := d.handleResult(sess, result); err != nil {
				return err
			}
		}
	}
}

// handleMessage processes one inbound message while Ready
func (d *Dispatcher) handleMessage(sess *Session, msg poolwire.Message) error {
	switch m := msg.(type) {
	case *poolwire.JobNotify:
		d.publishJob(m)
		return nil

	case *poolwire.SubmitResult:
		d.recordSubmitResult(m)
		return nil

	case *poolwire.Ping:
		return sess.send(&poolwire.Pong{})

	case *poolwire.Pong:
		// Keepalive answered; inbound activity already reset the idle clock.
		return nil

	case *poolwire.Unknown:
		d.logger.Debug("ignoring unknown message kind", "kind", msg.Kind().String())
		return nil

	default:
		return errors.New(errors.ErrorTypeProtocol, "serve",
			"unexpected message while ready").
			WithContext("kind", msg.Kind().String())
	}
}

// publishJob bumps the job generation and replaces the active job. Older
// in-flight attempts self-cancel through the generation change; their late
// results are discarded by the generation check in handleResult.
func (d *Dispatcher) publishJob(notify *poolwire.JobNotify) {
	generation := d.generation.Add(1)

	job := &prover.Job{
		Generation:       generation,
		EpochChallenge:   notify.EpochChallenge,
		TargetDifficulty: notify.TargetDifficulty,
		IssuedAt:         time.Now(),
	}

	d.pool.Publish(job)
	d.agg.RecordGeneration(generation)
	d.logger.WithJob(generation, notify.TargetDifficulty).Info("new job published")
}

// handleResult submits a completion if its generation is still current.
// This check-then-send is the single synchronization point preventing stale
// submissions; the dispatcher is the sole generation writer, so no further
// locking is needed.
func (d *Dispatcher) handleResult(sess *Session, result *prover.ProofResult) error {
	d.agg.RecordProof(result.SlotID)

	current := d.generation.Load()
	if result.Generation != current {
		d.agg.RecordStale()
		d.logger.Debug("discarding stale result",
			"result_generation", result.Generation,
			"current_generation", current,
		)
		return nil
	}

	d.logger.LogProofFound(result.SlotID, result.Generation, result.Nonce,
		float64(result.Elapsed.Microseconds())/1000.0)
	if d.hooks.OnProof != nil {
		d.hooks.OnProof(result)
	}

	submit := &poolwire.ProofSubmit{
		Nonce:   result.Nonce,
		Proof:   result.Proof,
		Address: result.Address,
	}
	if err := sess.send(submit); err != nil {
		d.agg.RecordSubmission(stats.OutcomeTransportError)
		d.notifySubmission(stats.OutcomeTransportError, result.Generation, err.Error())
		return errors.Wrap(err, errors.ErrorTypeNetwork, "submit", "failed to send proof")
	}
	return nil
}

// recordSubmitResult forwards the pool's verdict to the stats aggregator.
// Submission outcomes never change session state.
func (d *Dispatcher) recordSubmitResult(result *poolwire.SubmitResult) {
	outcome := stats.OutcomeRejected
	if result.Accepted {
		outcome = stats.OutcomeAccepted
	}
	d.agg.RecordSubmission(outcome)
	d.notifySubmission(outcome, d.generation.Load(), result.Reason)
	d.logger.LogProofSubmission(d.generation.Load(), result.Accepted, result.Reason)
}

func (d *Dispatcher) notifySubmission(outcome stats.Outcome, generation uint64, reason string) {
	if d.hooks.OnSubmission != nil {
		d.hooks.OnSubmission(outcome, generation, reason)
	}
}

// transition updates the session state and notifies observers
func (d *Dispatcher) transition(to State) {
	from := State(d.state.Swap(int32(to)))
	if from == to {
		return
	}
	d.logger.LogStateTransition(from.String(), to.String(), d.endpoint)
	if d.hooks.OnTransition != nil {
		d.hooks.OnTransition(from, to, d.endpoint)
	}
}

// sleepBackoff waits for the next backoff delay. Returns false when ctx was
// cancelled during the wait.
func (d *Dispatcher) sleepBackoff(ctx context.Context) bool {
	delay := d.backoff.Next()
	d.logger.Debug("reconnect backoff", "delay", delay.String(), "attempts", d.backoff.Attempts())

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// Describe returns a short status line for diagnostics
func (d *Dispatcher) Describe() string {
	return fmt.Sprintf("%s generation=%d endpoint=%s", d.State(), d.Generation(), d.endpoint)
}
