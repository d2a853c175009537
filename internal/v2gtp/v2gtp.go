package v2gtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen = 8
	Version   = 0x01

	// BufferCapacity bounds a buffered frame, header included.
	BufferCapacity = 1000
)

// Payload types.
const (
	PayloadEXI         uint16 = 0x8001
	PayloadSDPRequest  uint16 = 0x9000
	PayloadSDPResponse uint16 = 0x9001
)

var (
	ErrBadVersion  = errors.New("v2gtp: bad protocol version")
	ErrShortHeader = errors.New("v2gtp: short header")
	ErrOverflow    = errors.New("v2gtp: frame exceeds reassembly capacity")
	ErrPayloadType = errors.New("v2gtp: unsupported payload type")
)

// Header is the fixed transport header preceding every payload.
type Header struct {
	PayloadType uint16
	Length      uint32
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	if b[0] != Version || b[1] != ^byte(Version) {
		return Header{}, fmt.Errorf("%w: %02x %02x", ErrBadVersion, b[0], b[1])
	}
	return Header{
		PayloadType: binary.BigEndian.Uint16(b[2:4]),
		Length:      binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Encode prepends a header to payload.
func Encode(payloadType uint16, payload []byte) []byte {
	out := make([]byte, HeaderLen, HeaderLen+len(payload))
	out[0] = Version
	out[1] = ^byte(Version)
	binary.BigEndian.PutUint16(out[2:4], payloadType)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	return append(out, payload...)
}

// Reassembler accumulates stream bytes and yields complete EXI frames.
// A frame is returned only once its declared length is fully buffered;
// bytes after it stay buffered for the next call.
type Reassembler struct {
	buf [BufferCapacity]byte
	n   int
}

// Len returns the number of buffered bytes.
func (r *Reassembler) Len() int { return r.n }

// Reset discards buffered bytes.
func (r *Reassembler) Reset() { r.n = 0 }

// Write appends stream bytes. On overflow the buffer is cleared.
func (r *Reassembler) Write(p []byte) error {
	if r.n+len(p) > BufferCapacity {
		size := r.n + len(p)
		r.n = 0
		return fmt.Errorf("%w: %d bytes", ErrOverflow, size)
	}
	copy(r.buf[r.n:], p)
	r.n += len(p)
	return nil
}

// Next returns the payload of the next complete frame, or nil when more
// bytes are needed. Any error clears the buffer. The returned slice is a
// copy owned by the caller.
func (r *Reassembler) Next() ([]byte, error) {
	if r.n < HeaderLen {
		return nil, nil
	}
	h, err := ParseHeader(r.buf[:r.n])
	if err != nil {
		r.n = 0
		return nil, err
	}
	frameLen := uint64(HeaderLen) + uint64(h.Length)
	if frameLen > BufferCapacity {
		r.n = 0
		return nil, fmt.Errorf("%w: declared %d bytes", ErrOverflow, frameLen)
	}
	if uint64(r.n) < frameLen {
		return nil, nil
	}
	if h.PayloadType != PayloadEXI {
		r.n = 0
		return nil, fmt.Errorf("%w: 0x%04x", ErrPayloadType, h.PayloadType)
	}

	payload := make([]byte, h.Length)
	copy(payload, r.buf[HeaderLen:frameLen])
	remainder := r.n - int(frameLen)
	copy(r.buf[:], r.buf[frameLen:r.n])
	r.n = remainder
	return payload, nil
}
