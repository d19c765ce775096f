// Package wire implements the on-wire framing for state-transfer requests:
// the versioned StateRequest envelope that carries an SST payload and an
// optional IST sub-request.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// magic is the v1 header: "STRv1" plus a trailing NUL, six bytes total.
var magic = []byte("STRv1\x00")

// Version identifies the StateRequest wire layout.
type Version uint8

const (
	// V0 requests carry only a raw SST payload; there is no IST sub-request.
	V0 Version = 0
	// V1 requests carry a length-prefixed SST payload and a length-prefixed
	// IST payload behind the magic header.
	V1 Version = 1
)

var (
	// ErrInvalid is returned when a buffer claims to be v1 (by magic) but
	// its structure does not reconcile.
	ErrInvalid = errors.New("wire: malformed state request")
	// ErrTooLarge is returned by Build when a payload exceeds the wire
	// format's 32-bit length field.
	ErrTooLarge = errors.New("wire: payload exceeds maximum length")
)

// StateRequest is a parsed or freshly built state-transfer request. A parsed
// v1 request borrows its backing buffer; a parsed v0 request always borrows
// the whole input slice as the SST payload. Built requests own their buffer.
type StateRequest struct {
	version Version
	sst     []byte
	ist     []byte
}

// Version reports the wire version this request was built or parsed as.
func (r *StateRequest) Version() Version { return r.version }

// SST returns the SST payload slice.
func (r *StateRequest) SST() []byte { return r.sst }

// IST returns the IST sub-request payload slice: nil for v0 requests, and
// empty (zero length) for v1 requests with a zero-length IST payload.
func (r *StateRequest) IST() []byte { return r.ist }

// Build assembles a v1 StateRequest byte sequence from the given SST and IST
// payloads. Both must fit in a signed 32-bit length field.
func Build(sst, ist []byte) ([]byte, error) {
	if len(sst) > math.MaxInt32 || len(ist) > math.MaxInt32 {
		return nil, ErrTooLarge
	}

	total := len(magic) + 4 + len(sst) + 4 + len(ist)
	buf := make([]byte, total)

	n := copy(buf, magic)
	binary.BigEndian.PutUint32(buf[n:], uint32(len(sst)))
	n += 4
	n += copy(buf[n:], sst)
	binary.BigEndian.PutUint32(buf[n:], uint32(len(ist)))
	n += 4
	copy(buf[n:], ist)

	return buf, nil
}

// Parse dispatches on the leading magic: a v1 header selects the
// length-prefixed layout, anything else is treated as a bare v0 SST payload.
func Parse(b []byte) (*StateRequest, error) {
	if len(b) >= len(magic) && bytes.Equal(b[:len(magic)], magic) {
		return parseV1(b)
	}
	return &StateRequest{version: V0, sst: b}, nil
}

// parseV1 reads the two big-endian length fields byte-wise (never via a
// pointer cast onto the raw buffer) so parsing never depends on the
// platform's struct alignment, and reconciles the declared lengths against
// the buffer's actual length.
func parseV1(b []byte) (*StateRequest, error) {
	off := len(magic)
	if len(b) < off+4 {
		return nil, ErrInvalid
	}
	sstLen := binary.BigEndian.Uint32(b[off:])
	off += 4
	if sstLen > math.MaxInt32 || off+int(sstLen)+4 > len(b) {
		return nil, ErrInvalid
	}
	sst := b[off : off+int(sstLen)]
	off += int(sstLen)

	istLen := binary.BigEndian.Uint32(b[off:])
	off += 4
	if istLen > math.MaxInt32 || off+int(istLen) != len(b) {
		return nil, ErrInvalid
	}
	ist := b[off : off+int(istLen)]

	return &StateRequest{version: V1, sst: sst, ist: ist}, nil
}
