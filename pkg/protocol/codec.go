package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Frame layout: a 4-byte big-endian length prefix followed by exactly that
// many bytes of JSON envelope body. The fixed-width prefix makes partial
// reads resumable without scanning for delimiters.
const (
	lengthPrefixSize = 4
	MaxFrameSize     = 1 << 20 // 1 MiB cap on the envelope body
)

// Encode serializes an envelope into a single length-prefixed frame.
func Encode(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// UnmarshalEnvelope parses one envelope body (the bytes after the length
// prefix). Transports that carry their own framing, like the WebSocket
// gateway, call this directly.
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrMalformedFrame
	}
	if !IsValidType(env.Type) {
		return nil, ErrUnknownType
	}
	return &env, nil
}

// Decoder incrementally parses a byte stream into envelopes. It owns a
// buffer so callers can feed whatever the socket returned and retry after
// ErrNeedMoreData without losing bytes. Decoder is not safe for concurrent
// use; each connection worker owns exactly one.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes read from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Decode extracts the next complete envelope from the buffer. It never
// blocks: if the buffered bytes do not hold a full frame it returns
// ErrNeedMoreData and keeps the buffer intact. Any other error means the
// stream is corrupt and the caller must close the connection rather than
// attempt resynchronization.
func (d *Decoder) Decode() (*Envelope, error) {
	if len(d.buf) < lengthPrefixSize {
		return nil, ErrNeedMoreData
	}

	bodyLen := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
	if bodyLen == 0 {
		return nil, ErrMalformedFrame
	}
	if bodyLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(d.buf) < lengthPrefixSize+int(bodyLen) {
		return nil, ErrNeedMoreData
	}

	body := d.buf[lengthPrefixSize : lengthPrefixSize+int(bodyLen)]
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return nil, err
	}

	// Consume the frame only after a successful parse; a failed parse is
	// fatal anyway, so the buffer state no longer matters.
	d.buf = d.buf[lengthPrefixSize+int(bodyLen):]
	return env, nil
}
