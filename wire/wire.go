// Package wire implements the binary framing protocol for bulk terminal
// I/O described in spec §4.1 and §6: a duplex, non-buffering (beyond a
// single in-flight frame) codec carrying Input/Output/Resize/Bell/Ack/
// ProtocolError frames between the backend core and a UI peer over a
// transport stream. The framer never interprets terminal escape
// sequences; it only carries bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Type is the one-byte frame type tag.
type Type byte

const (
	TypeInput         Type = 0x01
	TypeOutput        Type = 0x02
	TypeResize        Type = 0x03
	TypeBell          Type = 0x04
	TypeAck           Type = 0x05
	TypeProtocolError Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeInput:
		return "Input"
	case TypeOutput:
		return "Output"
	case TypeResize:
		return "Resize"
	case TypeBell:
		return "Bell"
	case TypeAck:
		return "Ack"
	case TypeProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// DefaultMaxPayload is the default payload length cap (spec §4.1: default
// 1 MiB); a frame whose declared length exceeds this is treated as a
// ProtocolError on decode.
const DefaultMaxPayload = 1 << 20

// HandshakeVersion is the version string exchanged on every new endpoint,
// per spec §6: client -> [0x00][len=4]["V001"], server replies in kind.
const HandshakeVersion = "V001"

// Frame is one decoded message.
type Frame struct {
	Type    Type
	Payload []byte
}

// ResizePayload encodes a Resize frame's rows/cols (spec §4.1: "rows u16,
// cols u16").
func ResizePayload(rows, cols uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], rows)
	binary.BigEndian.PutUint16(buf[2:4], cols)
	return buf
}

// DecodeResize parses a Resize frame's payload.
func DecodeResize(payload []byte) (rows, cols uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// Framer wraps a transport stream with the frame codec. It is duplex:
// Encode calls are serialized by an internal write mutex and may come
// from several goroutines, but Decode is not safe for concurrent use —
// callers own one reader task per endpoint, matching the single-reader
// discipline used throughout the session core (spec §4.2, §5).
type Framer struct {
	rw         io.ReadWriter
	maxPayload uint32
	strict     bool

	writeMu sync.Mutex
}

// Option configures a Framer.
type Option func(*Framer)

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(max uint32) Option {
	return func(f *Framer) { f.maxPayload = max }
}

// WithStrict enables strict mode: an unknown frame type fails the
// transport with ProtocolError instead of being ignored.
func WithStrict(strict bool) Option {
	return func(f *Framer) { f.strict = strict }
}

// New constructs a Framer over rw.
func New(rw io.ReadWriter, opts ...Option) *Framer {
	f := &Framer{rw: rw, maxPayload: DefaultMaxPayload, strict: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Encode writes one frame: [type:1][length:4 big-endian][payload].
func (f *Framer) Encode(typ Type, payload []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	header := make([]byte, 5)
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := f.rw.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := f.rw.Write(payload)
	return err
}

// EncodeProtocolError writes a ProtocolError frame carrying a UTF-8
// reason, per spec §4.1.
func (f *Framer) EncodeProtocolError(reason string) error {
	return f.Encode(TypeProtocolError, []byte(reason))
}

// Decode reads the next frame. A payload larger than the configured cap,
// or (in strict mode) an unrecognized type, returns a *ProtocolError
// describing the violation; the caller should then close the transport,
// matching spec §4.1's "fails the transport with ProtocolError" behavior.
func (f *Framer) Decode() (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(f.rw, header); err != nil {
		return Frame{}, err
	}

	typ := Type(header[0])
	length := binary.BigEndian.Uint32(header[1:])

	if length > f.maxPayload {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("payload length %d exceeds cap %d", length, f.maxPayload)}
	}
	if f.strict && !validType(typ) {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type 0x%02x", byte(typ))}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

func validType(t Type) bool {
	switch t {
	case TypeInput, TypeOutput, TypeResize, TypeBell, TypeAck, TypeProtocolError:
		return true
	default:
		return false
	}
}

// ProtocolError is returned by Decode (and may be sent as a frame) when the
// wire stream violates the framing contract.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

// SendHandshake writes the version handshake frame described in spec §6.
func SendHandshake(w io.Writer) error {
	header := make([]byte, 5)
	header[0] = 0x00
	binary.BigEndian.PutUint32(header[1:], uint32(len(HandshakeVersion)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write([]byte(HandshakeVersion))
	return err
}

// ReadHandshake reads and validates the version handshake frame.
func ReadHandshake(r io.Reader) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if header[0] != 0x00 {
		return &ProtocolError{Reason: fmt.Sprintf("expected handshake type 0x00, got 0x%02x", header[0])}
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if string(payload) != HandshakeVersion {
		return &ProtocolError{Reason: fmt.Sprintf("unsupported handshake version %q", payload)}
	}
	return nil
}
