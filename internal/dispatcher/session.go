package dispatcher

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gopp/internal/poolwire"
	"github.com/bardlex/gopp/pkg/log"
)

// Session owns one pool connection. It is created per connection attempt and
// fully discarded on disconnect; no session is ever reused, so no protocol
// state can leak across reconnects.
type Session struct {
	conn   net.Conn
	logger *log.Logger

	decoder *poolwire.Decoder

	inbound  chan poolwire.Message
	outbound chan poolwire.Message
	errs     chan error
	done     chan struct{}

	idleTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
}

func newSession(conn net.Conn, logger *log.Logger, maxFrame int, idleTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		conn:         conn,
		logger:       logger.WithFields("remote_addr", conn.RemoteAddr().String()),
		decoder:      poolwire.NewDecoder(maxFrame),
		inbound:      make(chan poolwire.Message, 64),
		outbound:     make(chan poolwire.Message, 64),
		errs:         make(chan error, 2),
		done:         make(chan struct{}),
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
}

// start launches the read and write loops
func (s *Session) start() {
	go s.readLoop()
	go s.writeLoop()
}

// readLoop reads transport bytes into the frame decoder and delivers
// complete messages. The read deadline doubles as the idle timeout: no
// inbound traffic within it forces a session error and a reconnect.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			s.fail(fmt.Errorf("set read deadline: %w", err))
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, werr := s.decoder.Write(buf[:n]); werr != nil {
				s.fail(werr)
				return
			}
			for {
				msg, derr := s.decoder.Next()
				if derr != nil {
					s.fail(fmt.Errorf("decode frame: %w", derr))
					return
				}
				if msg == nil {
					break
				}
				s.logger.LogWireMessage("received", msg.Kind().String())
				select {
				case s.inbound <- msg:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

// writeLoop encodes and sends outbound messages
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			data, err := poolwire.Encode(msg)
			if err != nil {
				s.fail(fmt.Errorf("encode %s: %w", msg.Kind(), err))
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				s.fail(err)
				return
			}
			s.logger.LogWireMessage("sent", msg.Kind().String())
		}
	}
}

// send queues a message for the write loop
func (s *Session) send(msg poolwire.Message) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// fail reports the first fatal session error and tears the session down
func (s *Session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
	s.close()
}

// close shuts the session down; safe to call more than once
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close", "error", err)
		}
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	})
}
