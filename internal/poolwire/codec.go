package poolwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	lengthHeaderSize = 4
	kindSize         = 2

	// DefaultMaxFrameSize bounds decoder memory against a misbehaving peer
	DefaultMaxFrameSize = 1 << 20
)

// Framing errors. All of them force a disconnect at the session layer.
var (
	ErrOversizedFrame   = errors.New("frame exceeds maximum size")
	ErrShortFrame       = errors.New("frame too short to hold a message kind")
	ErrTruncatedPayload = errors.New("payload truncated")
	ErrFieldTooLarge    = errors.New("field exceeds encodable size")
)

// Encode serializes a message into a complete wire frame
func Encode(msg Message) ([]byte, error) {
	body, err := encodeBody(msg)
	if err != nil {
		return nil, err
	}

	payloadLen := kindSize + len(body)
	frame := make([]byte, 0, lengthHeaderSize+payloadLen)
	frame = binary.BigEndian.AppendUint32(frame, uint32(payloadLen))
	frame = binary.BigEndian.AppendUint16(frame, uint16(msg.Kind()))
	frame = append(frame, body...)
	return frame, nil
}

func encodeBody(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Handshake:
		return binary.BigEndian.AppendUint16(nil, m.Version), nil

	case *AuthorizeRequest:
		var b []byte
		b, err := appendString(b, m.Address)
		if err != nil {
			return nil, err
		}
		return appendString(b, m.Worker)

	case *AuthorizeResult:
		b := appendBool(nil, m.Success)
		return appendString(b, m.Reason)

	case *JobNotify:
		b, err := appendBytes(nil, m.EpochChallenge)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(b, m.TargetDifficulty), nil

	case *ProofSubmit:
		b := binary.BigEndian.AppendUint64(nil, m.Nonce)
		b, err := appendBytes(b, m.Proof)
		if err != nil {
			return nil, err
		}
		return appendString(b, m.Address)

	case *SubmitResult:
		b := appendBool(nil, m.Accepted)
		return appendString(b, m.Reason)

	case *Ping, *Pong:
		return nil, nil

	default:
		return nil, fmt.Errorf("cannot encode message kind %s", msg.Kind())
	}
}

func decodePayload(payload []byte) (Message, error) {
	kind := Kind(binary.BigEndian.Uint16(payload[:kindSize]))
	r := &reader{buf: payload[kindSize:]}

	var msg Message
	switch kind {
	case KindHandshake:
		msg = &Handshake{Version: r.uint16()}
	case KindAuthorizeRequest:
		msg = &AuthorizeRequest{Address: r.string(), Worker: r.string()}
	case KindAuthorizeResult:
		msg = &AuthorizeResult{Success: r.bool(), Reason: r.string()}
	case KindJobNotify:
		msg = &JobNotify{EpochChallenge: r.bytes(), TargetDifficulty: r.uint64()}
	case KindProofSubmit:
		msg = &ProofSubmit{Nonce: r.uint64(), Proof: r.bytes(), Address: r.string()}
	case KindSubmitResult:
		msg = &SubmitResult{Accepted: r.bool(), Reason: r.string()}
	case KindPing:
		msg = &Ping{}
	case KindPong:
		msg = &Pong{}
	default:
		// Forward compatibility: consume the payload, let the caller ignore it.
		return &Unknown{RawKind: kind}, nil
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%s: %d trailing bytes", kind, len(r.buf)-r.off)
	}
	return msg, nil
}

// Decoder reassembles wire frames from a byte stream. It is resumable: feed
// it whatever the transport delivers via Write, then drain complete messages
// with Next. A frame whose length header exceeds the maximum is rejected as
// soon as the header is visible, before any payload is assembled.
type Decoder struct {
	buf      bytes.Buffer
	maxFrame int
}

// NewDecoder creates a decoder with the given maximum payload size
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Write feeds raw bytes from the transport into the decoder
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next returns the next complete message, or (nil, nil) when more bytes are
// needed. A non-nil error means the stream is corrupt and the connection
// must be dropped.
func (d *Decoder) Next() (Message, error) {
	if d.buf.Len() < lengthHeaderSize {
		return nil, nil
	}

	header := d.buf.Bytes()[:lengthHeaderSize]
	payloadLen := binary.BigEndian.Uint32(header)

	if payloadLen < kindSize {
		return nil, ErrShortFrame
	}
	if payloadLen > uint32(d.maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedFrame, payloadLen, d.maxFrame)
	}

	if d.buf.Len() < lengthHeaderSize+int(payloadLen) {
		return nil, nil
	}

	d.buf.Next(lengthHeaderSize)
	payload := make([]byte, payloadLen)
	if _, err := d.buf.Read(payload); err != nil {
		return nil, err
	}

	return decodePayload(payload)
}

// Buffered returns the number of bytes awaiting a complete frame
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Field encoding helpers. Strings carry a 2-byte length, byte blobs a 4-byte
// length, both big-endian.

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string of %d bytes", ErrFieldTooLarge, len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func appendBytes(b, blob []byte) ([]byte, error) {
	if len(blob) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrFieldTooLarge, len(blob))
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(blob)))
	return append(b, blob...), nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// reader consumes a message body field by field, latching the first error
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncatedPayload
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (r *reader) string() string {
	n := r.uint16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
