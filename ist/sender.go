package ist

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// GCacheReader is the subset of the writeset cache the sender needs: a
// scoped pin against eviction, and the read itself.
type GCacheReader interface {
	// SeqnoLock pins seqno s against eviction until the returned function is
	// called. It fails with an error if s is no longer retained; Send
	// reports that failure as ErrOutOfRange.
	SeqnoLock(s Seqno) (unlock func(), err error)
	Get(s Seqno) (Writeset, error)
}

// SenderConfig configures dialing and framing for an IST sender.
type SenderConfig struct {
	TLS          *tls.Config
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Linger bounds how long Send waits for the peer's clean close after
	// the end-of-stream marker before returning successfully anyway.
	Linger time.Duration
	Logger *log.Logger
}

func (c SenderConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Sender streams a contiguous range of writesets [first, last] read from
// GCache to a single peer over one TCP (optionally TLS) connection. It runs
// a single attempt: any mid-stream error terminates the transfer, there is
// no retry at this layer.
type Sender struct {
	conf    SenderConfig
	gcache  GCacheReader
	peer    string
	version uint8

	mu        sync.Mutex
	conn      net.Conn
	cancelled bool
}

// NewSender constructs a sender for peer at the given negotiated protocol
// version. Nothing is dialed until Send is called.
func NewSender(conf SenderConfig, gcache GCacheReader, peer string, version uint8) *Sender {
	return &Sender{conf: conf, gcache: gcache, peer: peer, version: version}
}

// Send dials peer, performs the version handshake, and streams writesets
// [first, last] inclusive. It blocks until the range is fully sent (and the
// peer has cleanly closed, up to Linger) or an error occurs.
func (s *Sender) Send(ctx context.Context, first, last Seqno) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrCancelled
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	r := bufio.NewReaderSize(conn, 32<<10)
	w := bufio.NewWriterSize(conn, 32<<10)

	setDeadline(conn, s.conf.WriteTimeout)
	if err := writeFrame(w, handshakeMsg{T: frameHandshake, Version: s.version}); err != nil {
		return s.classifyIOErr(err)
	}
	ackRaw, err := readFrame(r)
	if err != nil {
		return s.classifyIOErr(err)
	}
	var ack handshakeAckMsg
	if t, err := decodeBase(ackRaw); err != nil || t != frameHandshakeAck {
		return ErrProtocolVersion
	}
	if err := cbor.Unmarshal(ackRaw, &ack); err != nil || !ack.OK || ack.Version != s.version {
		return ErrProtocolVersion
	}

	for seqno := first; seqno <= last; seqno++ {
		if err := s.sendOne(w, seqno); err != nil {
			return err
		}
	}

	setDeadline(conn, s.conf.WriteTimeout)
	if err := writeFrame(w, endOfStreamMsg{T: frameEndOfStream}); err != nil {
		return s.classifyIOErr(err)
	}

	// Best-effort wait for the peer's clean close; a lingering peer is not
	// treated as a failure of this transfer.
	if s.conf.Linger > 0 {
		setDeadline(conn, s.conf.Linger)
		var buf [1]byte
		_, _ = conn.Read(buf[:])
	}
	return nil
}

func (s *Sender) sendOne(w *bufio.Writer, seqno Seqno) error {
	unlock, err := s.gcache.SeqnoLock(seqno)
	if err != nil {
		return fmt.Errorf("%w: seqno %d: %v", ErrOutOfRange, seqno, err)
	}
	defer unlock()

	ws, err := s.gcache.Get(seqno)
	if err != nil {
		return fmt.Errorf("%w: seqno %d: %v", ErrOutOfRange, seqno, err)
	}

	setDeadline(s.currentConn(), s.conf.WriteTimeout)
	msg := writesetMsg{T: frameWriteset, Seqno: int64(ws.Seqno), MustApply: ws.MustApply, Payload: ws.Payload}
	if err := writeFrame(w, msg); err != nil {
		return s.classifyIOErr(err)
	}
	return nil
}

func (s *Sender) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Sender) classifyIOErr(err error) error {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}
	return err
}

func (s *Sender) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: s.conf.DialTimeout}
	if s.conf.TLS != nil {
		rawConn, err := d.DialContext(ctx, "tcp", s.peer)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(rawConn, s.conf.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return d.DialContext(ctx, "tcp", s.peer)
}

// Cancel closes the underlying socket out of band. The in-flight Send call
// observes a write error and returns ErrCancelled. Idempotent and safe to
// call from any goroutine, including before Send has dialed.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
