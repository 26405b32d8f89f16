package dispatcher

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gopp/internal/poolwire"
	"github.com/bardlex/gopp/internal/prover"
	"github.com/bardlex/gopp/internal/stats"
	"github.com/bardlex/gopp/pkg/errors"
	"github.com/bardlex/gopp/pkg/log"
	"github.com/bardlex/gopp/pkg/retry"
)

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "text")
}

// idleEngine parks every attempt until it is cancelled. Used when a test
// only cares about session behavior, not completions.
type idleEngine struct{}

func (idleEngine) Attempt(ctx context.Context, job *prover.Job, address string, nonce uint64, slot prover.Slot) (*prover.ProofResult, error) {
	<-ctx.Done()
	return nil, prover.ErrCancelled
}

// oneShotEngine yields exactly one result per job generation, then parks
type oneShotEngine struct {
	mu     sync.Mutex
	served map[uint64]bool
}

func newOneShotEngine() *oneShotEngine {
	return &oneShotEngine{served: make(map[uint64]bool)}
}

func (e *oneShotEngine) Attempt(ctx context.Context, job *prover.Job, address string, nonce uint64, slot prover.Slot) (*prover.ProofResult, error) {
	e.mu.Lock()
	done := e.served[job.Generation]
	e.served[job.Generation] = true
	e.mu.Unlock()

	if done {
		<-ctx.Done()
		return nil, prover.ErrCancelled
	}
	return &prover.ProofResult{
		Generation: job.Generation,
		Nonce:      nonce,
		Proof:      []byte{0xaa, 0xbb},
		Address:    address,
		SlotID:     slot.ID,
	}, nil
}

// poolServer is an in-process pool speaking the wire protocol over TCP
type poolServer struct {
	ln         net.Listener
	version    uint16
	authOK     bool
	authReason string

	handshakes atomic.Int64
	conns      chan *serverConn
}

func startPoolServer(t *testing.T) *poolServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &poolServer{
		ln:      ln,
		version: poolwire.ProtocolVersion,
		authOK:  true,
		conns:   make(chan *serverConn, 8),
	}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *poolServer) addr() string { return s.ln.Addr().String() }

func (s *poolServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.establish(conn)
	}
}

// establish runs the server side of handshake and authorization, then hands
// the connection to the test
func (s *poolServer) establish(conn net.Conn) {
	sc := &serverConn{conn: conn, dec: poolwire.NewDecoder(0)}

	msg, err := sc.read(2 * time.Second)
	if err != nil {
		conn.Close()
		return
	}
	if _, ok := msg.(*poolwire.Handshake); !ok {
		conn.Close()
		return
	}
	s.handshakes.Add(1)
	if err := sc.write(&poolwire.Handshake{Version: s.version}); err != nil {
		conn.Close()
		return
	}

	msg, err = sc.read(2 * time.Second)
	if err != nil {
		conn.Close()
		return
	}
	req, ok := msg.(*poolwire.AuthorizeRequest)
	if !ok {
		conn.Close()
		return
	}
	sc.authorized = req

	if err := sc.write(&poolwire.AuthorizeResult{Success: s.authOK, Reason: s.authReason}); err != nil {
		conn.Close()
		return
	}
	if !s.authOK {
		// Let the client observe the verdict and hang up first
		go func() {
			io.Copy(io.Discard, conn)
			conn.Close()
		}()
		return
	}

	s.conns <- sc
}

func (s *poolServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("no session established with the pool server")
		return nil
	}
}

type serverConn struct {
	conn       net.Conn
	dec        *poolwire.Decoder
	authorized *poolwire.AuthorizeRequest
}

func (c *serverConn) read(timeout time.Duration) (poolwire.Message, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)

	for {
		msg, err := c.dec.Next()
		if err != nil || msg != nil {
			return msg, err
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			if _, werr := c.dec.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if err != nil {
			if msg, derr := c.dec.Next(); derr == nil && msg != nil {
				return msg, nil
			}
			return nil, err
		}
	}
}

// expect reads until a message of the wanted kind arrives, answering
// keepalive traffic along the way
func (c *serverConn) expect(t *testing.T, kind poolwire.Kind, timeout time.Duration) poolwire.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		msg, err := c.read(time.Until(deadline))
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", kind, err)
		}
		switch msg.Kind() {
		case kind:
			return msg
		case poolwire.KindPing:
			if err := c.write(&poolwire.Pong{}); err != nil {
				t.Fatalf("answer ping: %v", err)
			}
		case poolwire.KindPong:
		default:
			t.Fatalf("unexpected %s while waiting for %s", msg.Kind(), kind)
		}
	}
	t.Fatalf("timed out waiting for %s", kind)
	return nil
}

func (c *serverConn) write(msg poolwire.Message) error {
	frame, err := poolwire.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

type fixture struct {
	d       *Dispatcher
	agg     *stats.Aggregator
	pool    *prover.Pool
	backoff *retry.Backoff
}

func startDispatcher(t *testing.T, endpoints []string, engine prover.Engine, hooks Hooks) *fixture {
	t.Helper()

	agg := stats.NewAggregator(time.Minute)
	slots := []prover.Slot{{ID: 0, Kind: prover.SlotCPU}}
	pool := prover.NewPool(prover.PoolConfig{Address: "addr"},
		slots, map[int]prover.Engine{0: engine}, testLogger())
	backoff := retry.NewBackoff(time.Millisecond, 20*time.Millisecond, 2.0, false)

	d := New(Config{
		Endpoints:        endpoints,
		Address:          "addr",
		Worker:           "rig-test",
		DialTimeout:      time.Second,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		PingInterval:     time.Hour,
		IdleTimeout:      10 * time.Second,
		MaxFrameSize:     1 << 20,
	}, pool, agg, backoff, testLogger(), hooks)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
		pool.Wait()
	})

	return &fixture{d: d, agg: agg, pool: pool, backoff: backoff}
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, desc)
}

func TestDispatcherReachesReady(t *testing.T) {
	server := startPoolServer(t)
	fix := startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})

	sc := server.waitConn(t)

	if sc.authorized.Address != "addr" {
		t.Errorf("authorized address = %q, want %q", sc.authorized.Address, "addr")
	}
	if sc.authorized.Worker != "rig-test" {
		t.Errorf("authorized worker = %q, want %q", sc.authorized.Worker, "rig-test")
	}

	waitFor(t, 2*time.Second, "dispatcher ready", func() bool {
		return fix.d.State() == StateReady
	})
	waitFor(t, 2*time.Second, "backoff reset on ready", func() bool {
		return fix.backoff.Attempts() == 0
	})
}

func TestDispatcherPublishesJobs(t *testing.T) {
	server := startPoolServer(t)
	fix := startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})
	sc := server.waitConn(t)

	challenge := []byte("epoch-challenge-a")
	if err := sc.write(&poolwire.JobNotify{EpochChallenge: challenge, TargetDifficulty: 50}); err != nil {
		t.Fatalf("write JobNotify: %v", err)
	}

	waitFor(t, 2*time.Second, "first job published", func() bool {
		job := fix.pool.Current()
		return job != nil && job.Generation == 1
	})

	job := fix.pool.Current()
	if !bytes.Equal(job.EpochChallenge, challenge) {
		t.Errorf("published challenge = %q, want %q", job.EpochChallenge, challenge)
	}
	if job.TargetDifficulty != 50 {
		t.Errorf("published difficulty = %d, want 50", job.TargetDifficulty)
	}

	// A back-to-back notification supersedes the first
	if err := sc.write(&poolwire.JobNotify{EpochChallenge: []byte("epoch-challenge-b"), TargetDifficulty: 60}); err != nil {
		t.Fatalf("write JobNotify: %v", err)
	}

	waitFor(t, 2*time.Second, "second job published", func() bool {
		job := fix.pool.Current()
		return job != nil && job.Generation == 2
	})

	if fix.d.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", fix.d.Generation())
	}
	if snap := fix.agg.Snapshot(); snap.Generation != 2 {
		t.Errorf("stats generation = %d, want 2", snap.Generation)
	}
}

func TestDispatcherSubmitsProofAndRecordsVerdict(t *testing.T) {
	outcomes := make(chan stats.Outcome, 8)
	hooks := Hooks{
		OnSubmission: func(outcome stats.Outcome, generation uint64, reason string) {
			outcomes <- outcome
		},
	}

	server := startPoolServer(t)
	fix := startDispatcher(t, []string{server.addr()}, newOneShotEngine(), hooks)
	sc := server.waitConn(t)

	if err := sc.write(&poolwire.JobNotify{EpochChallenge: []byte("challenge"), TargetDifficulty: 1}); err != nil {
		t.Fatalf("write JobNotify: %v", err)
	}

	msg := sc.expect(t, poolwire.KindProofSubmit, 3*time.Second)
	submit := msg.(*poolwire.ProofSubmit)
	if submit.Address != "addr" {
		t.Errorf("submit address = %q, want %q", submit.Address, "addr")
	}
	if len(submit.Proof) == 0 {
		t.Error("submitted proof is empty")
	}

	if err := sc.write(&poolwire.SubmitResult{Accepted: true}); err != nil {
		t.Fatalf("write SubmitResult: %v", err)
	}

	waitFor(t, 2*time.Second, "accepted submission counted", func() bool {
		snap := fix.agg.Snapshot()
		return snap.Accepted == 1 && snap.TotalProofs == 1
	})

	select {
	case outcome := <-outcomes:
		if outcome != stats.OutcomeAccepted {
			t.Errorf("hook outcome = %s, want accepted", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submission hook never fired")
	}

	// A rejection maps to the rejected counter
	if err := sc.write(&poolwire.SubmitResult{Accepted: false, Reason: "low difficulty"}); err != nil {
		t.Fatalf("write SubmitResult: %v", err)
	}
	waitFor(t, 2*time.Second, "rejected submission counted", func() bool {
		return fix.agg.Snapshot().Rejected == 1
	})
}

func TestDispatcherReconnectPreservesGeneration(t *testing.T) {
	server := startPoolServer(t)
	fix := startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})

	sc := server.waitConn(t)
	if err := sc.write(&poolwire.JobNotify{EpochChallenge: []byte("c1"), TargetDifficulty: 1}); err != nil {
		t.Fatalf("write JobNotify: %v", err)
	}
	waitFor(t, 2*time.Second, "first job published", func() bool {
		return fix.d.Generation() == 1
	})

	// Kill the session server-side; the dispatcher must reconnect
	sc.conn.Close()

	sc2 := server.waitConn(t)
	waitFor(t, 2*time.Second, "dispatcher ready again", func() bool {
		return fix.d.State() == StateReady
	})

	if got := fix.agg.Snapshot().Reconnects; got < 1 {
		t.Errorf("Reconnects = %d, want at least 1", got)
	}

	// Generations survive the reconnect; the next job continues the sequence
	if err := sc2.write(&poolwire.JobNotify{EpochChallenge: []byte("c2"), TargetDifficulty: 1}); err != nil {
		t.Fatalf("write JobNotify: %v", err)
	}
	waitFor(t, 2*time.Second, "post-reconnect job published", func() bool {
		return fix.d.Generation() == 2
	})

	waitFor(t, 2*time.Second, "backoff reset after recovery", func() bool {
		return fix.backoff.Attempts() == 0
	})
}

func TestDispatcherRejectsStaleProtocolVersion(t *testing.T) {
	server := startPoolServer(t)
	server.version = poolwire.MinProtocolVersion - 1

	fix := startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})

	// The dispatcher keeps retrying through backoff but never gets past the
	// handshake
	waitFor(t, 3*time.Second, "repeated handshake attempts", func() bool {
		return server.handshakes.Load() >= 2
	})
	if fix.d.State() == StateReady {
		t.Error("dispatcher reached ready despite a stale protocol version")
	}
}

func TestDispatcherAuthFailureRetries(t *testing.T) {
	server := startPoolServer(t)
	server.authOK = false
	server.authReason = "unknown worker"

	fix := startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})

	waitFor(t, 3*time.Second, "auth failures recorded", func() bool {
		return fix.agg.Snapshot().AuthFailures >= 2
	})
	if fix.d.State() == StateReady {
		t.Error("dispatcher reached ready despite rejected authorization")
	}
}

func TestDispatcherAnswersPing(t *testing.T) {
	server := startPoolServer(t)
	startDispatcher(t, []string{server.addr()}, idleEngine{}, Hooks{})
	sc := server.waitConn(t)

	if err := sc.write(&poolwire.Ping{}); err != nil {
		t.Fatalf("write Ping: %v", err)
	}
	sc.expect(t, poolwire.KindPong, 2*time.Second)
}

func TestHandleResultGenerationGate(t *testing.T) {
	agg := stats.NewAggregator(time.Minute)
	backoff := retry.NewBackoff(time.Millisecond, time.Millisecond, 2.0, false)

	var proofHooks atomic.Int64
	hooks := Hooks{
		OnProof: func(result *prover.ProofResult) { proofHooks.Add(1) },
	}

	d := New(Config{Endpoints: []string{"unused:1"}, Address: "addr"},
		nil, agg, backoff, testLogger(), hooks)
	d.generation.Store(5)

	client, peer := net.Pipe()
	defer peer.Close()
	sess := newSession(client, testLogger(), 1<<20, 10*time.Second, 2*time.Second)
	sess.start()
	defer sess.close()

	// A result from an older generation is discarded without touching the wire
	if err := d.handleResult(sess, &prover.ProofResult{Generation: 3, Nonce: 1, Proof: []byte{1}, Address: "addr"}); err != nil {
		t.Fatalf("handleResult(stale) error = %v", err)
	}

	snap := agg.Snapshot()
	if snap.Stale != 1 {
		t.Errorf("Stale = %d, want 1", snap.Stale)
	}
	if snap.Accepted != 0 || snap.Rejected != 0 || snap.TransportErrors != 0 {
		t.Errorf("stale result bled into outcome counters: %+v", snap)
	}
	if got := proofHooks.Load(); got != 0 {
		t.Errorf("proof hook fired %d times for a stale result, want 0", got)
	}

	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := peer.Read(buf); err == nil {
		t.Fatalf("stale result wrote %d bytes to the pool", n)
	}

	// A current-generation result goes out as a submission
	if err := d.handleResult(sess, &prover.ProofResult{Generation: 5, Nonce: 42, Proof: []byte{7, 8}, Address: "addr"}); err != nil {
		t.Fatalf("handleResult(current) error = %v", err)
	}

	dec := poolwire.NewDecoder(0)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := peer.Read(buf)
		if err != nil {
			t.Fatalf("read submission: %v", err)
		}
		dec.Write(buf[:n])
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if msg == nil {
			continue
		}
		submit, ok := msg.(*poolwire.ProofSubmit)
		if !ok {
			t.Fatalf("wire message = %T, want *ProofSubmit", msg)
		}
		if submit.Nonce != 42 {
			t.Errorf("submitted nonce = %d, want 42", submit.Nonce)
		}
		break
	}

	if got := agg.Snapshot().TotalProofs; got != 2 {
		t.Errorf("TotalProofs = %d, want 2 (stale results still count as proofs)", got)
	}
	if got := proofHooks.Load(); got != 1 {
		t.Errorf("proof hook fired %d times, want 1 (current result only)", got)
	}
}

func TestHandleMessageUnexpectedKind(t *testing.T) {
	agg := stats.NewAggregator(time.Minute)
	backoff := retry.NewBackoff(time.Millisecond, time.Millisecond, 2.0, false)
	d := New(Config{Endpoints: []string{"unused:1"}, Address: "addr"},
		nil, agg, backoff, testLogger(), Hooks{})

	client, peer := net.Pipe()
	defer peer.Close()
	sess := newSession(client, testLogger(), 1<<20, 10*time.Second, 2*time.Second)
	sess.start()
	defer sess.close()

	err := d.handleMessage(sess, &poolwire.AuthorizeResult{Success: true})
	if err == nil {
		t.Fatal("handleMessage accepted an establishment message while ready")
	}
	if !errors.IsType(err, errors.ErrorTypeProtocol) {
		t.Errorf("error type = %v, want protocol", err)
	}

	// Unknown kinds are ignored, not fatal
	if err := d.handleMessage(sess, &poolwire.Unknown{RawKind: 0x99}); err != nil {
		t.Errorf("handleMessage(Unknown) error = %v, want nil", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateHandshaking, "handshaking"},
		{StateAuthorizing, "authorizing"},
		{StateReady, "ready"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
