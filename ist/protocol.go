package ist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// frameType tags each CBOR-encoded envelope carried on the IST stream.
type frameType uint8

const (
	frameHandshake frameType = iota + 1
	frameHandshakeAck
	frameWriteset
	frameEndOfStream
	frameError
)

const maxFrame = 64 << 20 // guard against a hostile or corrupt length prefix

type handshakeMsg struct {
	T       frameType `cbor:"t"`
	Version uint8     `cbor:"v"`
}

type handshakeAckMsg struct {
	T       frameType `cbor:"t"`
	OK      bool      `cbor:"ok"`
	Version uint8     `cbor:"v"`
}

type writesetMsg struct {
	T         frameType `cbor:"t"`
	Seqno     int64     `cbor:"sq"`
	MustApply bool      `cbor:"ma"`
	Payload   []byte    `cbor:"p"`
}

type endOfStreamMsg struct {
	T frameType `cbor:"t"`
}

type errorMsg struct {
	T   frameType `cbor:"t"`
	Msg string    `cbor:"m"`
}

// baseFrame is unmarshaled first to discover the frame's real type before
// decoding it fully, the same two-pass pattern the wire protocol this is
// grounded on uses for its Base{T,ID} header.
type baseFrame struct {
	T frameType `cbor:"t"`
}

// readFrame reads one 4-byte-length-prefixed CBOR frame from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 || n > maxFrame {
		return nil, fmt.Errorf("ist: frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame CBOR-encodes msg and writes it length-prefixed to w, flushing
// immediately so partial frames never linger in the buffer.
func writeFrame(w *bufio.Writer, msg any) error {
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	return w.Flush()
}

func decodeBase(raw []byte) (frameType, error) {
	var b baseFrame
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return 0, err
	}
	return b.T, nil
}

func setDeadline(conn interface{ SetDeadline(time.Time) error }, d time.Duration) {
	if d <= 0 {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(d))
}
