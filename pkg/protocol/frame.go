package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed payload size (1 MB)
	MaxFrameSize = 1024 * 1024

	// lengthSize is the width of the length prefix in bytes
	lengthSize = 4
)

var (
	// ErrNeedMoreBytes signals that the buffer does not yet hold a complete
	// frame. Nothing has been consumed; append more bytes and retry.
	ErrNeedMoreBytes = errors.New("incomplete frame, need more bytes")

	// ErrFrameTooLarge indicates a declared length above MaxFrameSize. The
	// stream is desynchronized beyond recovery and must be closed.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (1 MB)")
)

// Frame format: [Length (4 bytes, big-endian)][Payload (Length bytes)].
// The length counts only the payload, never the prefix itself.

// Encode returns the wire encoding of payload: length prefix plus payload.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, lengthSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthSize:], payload)
	return buf, nil
}

// EncodeTo writes the wire encoding of payload to w as a single Write call,
// so that callers serializing writes per connection never interleave frames.
func EncodeTo(w io.Writer, payload []byte) error {
	buf, err := Encode(payload)
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}

// Decoder reassembles frames from a stream of arbitrarily-sized chunks. It
// owns a growing buffer: Append adds newly arrived bytes, Next slices a
// complete payload off the front. One read may carry zero, one, or many
// frames, so Next must be driven in a loop until it reports ErrNeedMoreBytes.
//
// A Decoder is not safe for concurrent use; each connection owns exactly one.
type Decoder struct {
	buf []byte
}

// Append adds newly arrived bytes to the reassembly buffer.
func (d *Decoder) Append(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload, consuming it (and its length
// prefix) from the buffer. It returns ErrNeedMoreBytes, consuming nothing,
// until a whole frame is buffered. ErrFrameTooLarge means the stream is
// desynchronized and the connection must be closed.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < lengthSize {
		return nil, ErrNeedMoreBytes
	}

	length := binary.BigEndian.Uint32(d.buf)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	total := lengthSize + int(length)
	if len(d.buf) < total {
		return nil, ErrNeedMoreBytes
	}

	payload := make([]byte, length)
	copy(payload, d.buf[lengthSize:total])
	d.buf = d.buf[:copy(d.buf, d.buf[total:])]

	return payload, nil
}

// DecodeFrame reads one whole frame from r, blocking until it arrives.
// Stream-oriented counterpart to Decoder for clients and tests.
func DecodeFrame(r io.Reader) ([]byte, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return payload, nil
}
