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

// Observer is the narrow capability the receiver calls back into: two
// operations only, so the receiver never needs to hold the Applier's
// lifetime beyond a single delivery call.
type Observer interface {
	// IstTrx delivers one writeset in strict seqno order. MustApply is false
	// only for writesets the protocol has marked as already committed
	// elsewhere; the observer decides what, if anything, to do with those.
	IstTrx(ws Writeset)
	// IstEnd is called exactly once when the stream ends, successfully or
	// not. err is nil on a clean finish.
	IstEnd(err error)
}

// ReceiverConfig configures the listening side of an IST transfer.
type ReceiverConfig struct {
	// RecvAddr is the address advertised to donors in the IST sub-request.
	RecvAddr string
	// RecvBind is the address actually bound; defaults to RecvAddr.
	RecvBind    string
	TLS         *tls.Config
	ReadTimeout time.Duration
	Logger      *log.Logger
}

func (c ReceiverConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c ReceiverConfig) bindAddr() string {
	if c.RecvBind != "" {
		return c.RecvBind
	}
	return c.RecvAddr
}

// Receiver accepts a single IST sender connection, verifies the version
// handshake, and — once Ready has fixed the starting seqno — delivers
// writesets to its Observer in strict ascending order until EndOfStream, a
// seqno gap, or the configured last seqno.
type Receiver struct {
	cfg      ReceiverConfig
	observer Observer
	version  uint8

	mu          sync.Mutex
	cond        *sync.Cond
	ln          net.Listener
	conn        net.Conn
	ready       bool
	first       Seqno
	last        Seqno
	current     Seqno
	interrupted bool

	doneOnce      sync.Once
	finishedSeqno Seqno
	finishedErr   error
}

// NewReceiver constructs a receiver. Neither the starting nor the final
// seqno is known yet — both are supplied together via Ready, once SST has
// fixed the joiner's position and the group's target seqno is in hand.
func NewReceiver(cfg ReceiverConfig, observer Observer, version uint8) *Receiver {
	r := &Receiver{cfg: cfg, observer: observer, version: version, finishedSeqno: SeqnoNone}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Prepare binds the listener and returns the address to advertise to
// donors. It must be called before the request carrying that address is
// submitted, since a donor may connect back immediately. A RecvAddr with
// port 0 is advertised with the port the listener actually bound.
func (r *Receiver) Prepare() (string, error) {
	ln, err := net.Listen("tcp", r.cfg.bindAddr())
	if err != nil {
		return "", fmt.Errorf("ist: receiver listen: %w", err)
	}
	if r.cfg.TLS != nil {
		ln = tls.NewListener(ln, r.cfg.TLS)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	if r.cfg.RecvAddr == "" {
		return ln.Addr().String(), nil
	}
	if host, port, err := net.SplitHostPort(r.cfg.RecvAddr); err == nil && port == "0" {
		if _, boundPort, err := net.SplitHostPort(ln.Addr().String()); err == nil {
			return net.JoinHostPort(host, boundPort), nil
		}
	}
	return r.cfg.RecvAddr, nil
}

// Ready records the starting and final seqno and unblocks observer
// delivery. It must be called exactly once, after SST completion has fixed
// the joiner's position.
func (r *Receiver) Ready(first, last Seqno) {
	r.mu.Lock()
	r.first = first
	r.last = last
	r.current = first - 1
	r.ready = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Run accepts a single connection, performs the handshake, waits for Ready,
// then delivers writesets until the stream ends. It is meant to be run in
// its own goroutine; it returns once the transfer has finished, one way or
// another, after having called Observer.IstEnd exactly once.
func (r *Receiver) Run(ctx context.Context) {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		r.finish(SeqnoNone, fmt.Errorf("ist: receiver Run called before Prepare"))
		return
	}

	conn, err := ln.Accept()
	if err != nil {
		if r.wasInterrupted() {
			r.finish(SeqnoNone, ErrCancelled)
			return
		}
		r.finish(SeqnoNone, err)
		return
	}
	defer conn.Close()
	r.mu.Lock()
	if r.interrupted {
		r.mu.Unlock()
		r.finish(SeqnoNone, ErrCancelled)
		return
	}
	r.conn = conn
	r.mu.Unlock()

	rd := bufio.NewReaderSize(conn, 32<<10)
	w := bufio.NewWriterSize(conn, 32<<10)

	setDeadline(conn, r.cfg.ReadTimeout)
	hsRaw, err := readFrame(rd)
	if err != nil {
		r.finish(SeqnoNone, r.classify(err))
		return
	}
	var hs handshakeMsg
	if t, derr := decodeBase(hsRaw); derr != nil || t != frameHandshake {
		r.finish(SeqnoNone, ErrProtocolVersion)
		return
	}
	if err := cbor.Unmarshal(hsRaw, &hs); err != nil {
		r.finish(SeqnoNone, ErrProtocolVersion)
		return
	}
	ok := hs.Version == r.version
	_ = writeFrame(w, handshakeAckMsg{T: frameHandshakeAck, OK: ok, Version: r.version})
	if !ok {
		r.finish(SeqnoNone, ErrProtocolVersion)
		return
	}

	r.mu.Lock()
	for !r.ready && !r.interrupted {
		r.cond.Wait()
	}
	interrupted := r.interrupted
	expected := r.first
	target := r.last
	r.mu.Unlock()
	if interrupted {
		r.finish(SeqnoNone, ErrCancelled)
		return
	}

	delivered := expected - 1
	for {
		setDeadline(conn, r.cfg.ReadTimeout)
		raw, err := readFrame(rd)
		if err != nil {
			if r.wasInterrupted() {
				r.finish(delivered, ErrCancelled)
				return
			}
			r.finish(delivered, r.classify(err))
			return
		}

		t, err := decodeBase(raw)
		if err != nil {
			r.finish(delivered, ErrProtocolVersion)
			return
		}

		switch t {
		case frameWriteset:
			var msg writesetMsg
			if err := cbor.Unmarshal(raw, &msg); err != nil {
				r.finish(delivered, ErrProtocolVersion)
				return
			}
			if Seqno(msg.Seqno) != expected {
				r.finish(delivered, fmt.Errorf("%w: expected %d got %d", ErrSequence, expected, msg.Seqno))
				return
			}
			r.observer.IstTrx(Writeset{Seqno: expected, MustApply: msg.MustApply, Payload: msg.Payload})
			delivered = expected
			r.setCurrent(delivered)
			if delivered == target {
				r.finish(delivered, nil)
				return
			}
			expected++
		case frameEndOfStream:
			r.finish(delivered, nil)
			return
		case frameError:
			var em errorMsg
			_ = cbor.Unmarshal(raw, &em)
			r.finish(delivered, fmt.Errorf("ist: peer reported error: %s", em.Msg))
			return
		default:
			r.finish(delivered, ErrProtocolVersion)
			return
		}
	}
}

func (r *Receiver) setCurrent(s Seqno) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *Receiver) classify(err error) error {
	if r.wasInterrupted() {
		return ErrCancelled
	}
	return err
}

func (r *Receiver) wasInterrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

func (r *Receiver) finish(seqno Seqno, err error) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.finishedSeqno = seqno
		r.finishedErr = err
		r.mu.Unlock()
		r.observer.IstEnd(err)
	})
}

// Finished returns the highest successfully delivered seqno. Call it after
// Observer.IstEnd has fired.
func (r *Receiver) Finished() Seqno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedSeqno
}

// Interrupt tears down the acceptor and any accepted connection, causing
// Run to return promptly with ErrCancelled. Idempotent.
func (r *Receiver) Interrupt() {
	r.mu.Lock()
	r.interrupted = true
	ln := r.ln
	conn := r.conn
	r.mu.Unlock()
	r.cond.Broadcast()
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
}
