package xfer

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/quorumkv/statexfer/ist"
)

// maxControlFrame bounds a single control-plane frame, well above any
// StateRequest this coordinator is expected to carry.
const maxControlFrame = 8 << 20

type controlRequest struct {
	Req       []byte
	DonorHint string
}

type controlResponse struct {
	DonorID int
	SeqnoL  int64
	Err     string
}

// controlSSTDone is the donor's follow-up frame on the same connection,
// delivered once the request's SST leg (handshake ack or full copy) has
// actually finished. DirectGCS forwards it to OnSSTComplete.
type controlSSTDone struct {
	UUID  string
	Seqno int64
	Err   string
}

func writeControlFrame(w io.Writer, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readControlFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxControlFrame {
		return fmt.Errorf("xfer: control frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return cbor.Unmarshal(buf, v)
}

// DirectGCS is a reference GCS implementation for standalone runs: it
// routes every state-transfer request to one fixed, pre-known donor over a
// dedicated control connection, rather than performing real group
// membership or donor selection. It satisfies the GCS interface's contract
// (retryable failures wrapped in ErrRetryable) without pretending to be a
// group communication layer.
type DirectGCS struct {
	donorAddr   string
	tlsConf     *tls.Config
	dialTimeout time.Duration
	logger      *log.Logger

	// OnSSTComplete, when set, is invoked once the donor's follow-up
	// completion frame arrives on the control connection a request was
	// submitted over. Wired to Joiner.SSTReceived by the reference CLI, so
	// that a real DirectGCS-backed join actually unblocks the joiner's wait
	// instead of hanging forever.
	OnSSTComplete func(uuid ist.UUID, seqno ist.Seqno)
}

// NewDirectGCS constructs a GCS reference that always routes to donorAddr.
func NewDirectGCS(donorAddr string, tlsConf *tls.Config, dialTimeout time.Duration, logger *log.Logger) *DirectGCS {
	if logger == nil {
		logger = log.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &DirectGCS{donorAddr: donorAddr, tlsConf: tlsConf, dialTimeout: dialTimeout, logger: logger}
}

func (g *DirectGCS) RequestStateTransfer(ctx context.Context, req []byte, donorHint string) (int, int64, error) {
	d := &net.Dialer{Timeout: g.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", g.donorAddr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dial donor: %v", ErrRetryable, err)
	}

	var rw io.ReadWriter = conn
	if g.tlsConf != nil {
		tlsConn := tls.Client(conn, g.tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return 0, 0, fmt.Errorf("%w: tls handshake: %v", ErrRetryable, err)
		}
		rw = tlsConn
	}

	if err := writeControlFrame(rw, controlRequest{Req: req, DonorHint: donorHint}); err != nil {
		conn.Close()
		return 0, 0, fmt.Errorf("%w: submit request: %v", ErrRetryable, err)
	}
	var resp controlResponse
	if err := readControlFrame(rw, &resp); err != nil {
		conn.Close()
		return 0, 0, fmt.Errorf("%w: read response: %v", ErrRetryable, err)
	}
	if resp.Err != "" {
		conn.Close()
		return 0, 0, errors.New(resp.Err)
	}

	// The connection stays open past this call: the donor still owes a
	// follow-up completion frame once the SST leg actually finishes, which
	// this goroutine turns into the joiner's SSTReceived signal.
	go g.awaitSSTComplete(rw, conn)

	return resp.DonorID, resp.SeqnoL, nil
}

func (g *DirectGCS) awaitSSTComplete(rw io.ReadWriter, conn net.Conn) {
	defer conn.Close()

	var done controlSSTDone
	if err := readControlFrame(rw, &done); err != nil {
		g.logger.Printf("xfer: direct gcs: read sst-done: %v", err)
		return
	}
	if done.Err != "" {
		g.logger.Printf("xfer: direct gcs: donor reported sst failure: %s", done.Err)
		return
	}
	if g.OnSSTComplete == nil {
		return
	}
	uuid, err := ist.ParseUUID(done.UUID)
	if err != nil {
		g.logger.Printf("xfer: direct gcs: malformed sst-done uuid: %v", err)
		return
	}
	g.OnSSTComplete(uuid, ist.Seqno(done.Seqno))
}

// Join is a reference no-op: DirectGCS has no group to notify.
func (g *DirectGCS) Join(seqno ist.Seqno) error {
	g.logger.Printf("xfer: joined at seqno %d", seqno)
	return nil
}

// DonorServer accepts DirectGCS control connections and dispatches each
// request to a Donor, assigning local-order slots from a private counter
// since there is no real group communication layer to reserve them.
type DonorServer struct {
	donor  *Donor
	logger *log.Logger

	mu     sync.Mutex
	nextLo int64
}

// NewDonorServer constructs a control-plane front end for donor.
func NewDonorServer(donor *Donor, logger *log.Logger) *DonorServer {
	if logger == nil {
		logger = log.Default()
	}
	return &DonorServer{donor: donor, logger: logger}
}

// ListenAndServe binds addr and serves control connections until ctx is
// cancelled or a fatal accept error occurs.
func (s *DonorServer) ListenAndServe(ctx context.Context, addr string, tlsConf *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("xfer: donor server listen: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("xfer: donor server accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

type sstResult struct {
	uuid  ist.UUID
	seqno ist.Seqno
	err   error
}

func (s *DonorServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req controlRequest
	if err := readControlFrame(conn, &req); err != nil {
		s.logger.Printf("xfer: donor server: read request: %v", err)
		return
	}

	s.mu.Lock()
	s.nextLo++
	seqnoL := s.nextLo
	s.mu.Unlock()

	donorSeq := s.donor.cfg.Monitors.Apply.LastLeft()

	done := make(chan sstResult, 1)
	notify := func(uuid ist.UUID, seqno ist.Seqno, sstErr error) {
		done <- sstResult{uuid: uuid, seqno: seqno, err: sstErr}
	}

	if err := s.donor.ProcessStateRequest(ctx, req.Req, ist.Seqno(seqnoL), ist.Seqno(donorSeq), notify); err != nil {
		s.logger.Printf("xfer: donor server: process request: %v", err)
		_ = writeControlFrame(conn, controlResponse{Err: err.Error()})
		return
	}
	if err := writeControlFrame(conn, controlResponse{DonorID: 0, SeqnoL: seqnoL}); err != nil {
		s.logger.Printf("xfer: donor server: write response: %v", err)
		return
	}

	// ProcessStateRequest has already returned; the SST leg it kicked off
	// in the background still owes this connection its completion signal
	// before the joiner on the other end can leave its SSTReceived wait.
	select {
	case res := <-done:
		resp := controlSSTDone{UUID: res.uuid.String(), Seqno: int64(res.seqno)}
		if res.err != nil {
			resp.Err = res.err.Error()
		}
		if err := writeControlFrame(conn, resp); err != nil {
			s.logger.Printf("xfer: donor server: write sst-done: %v", err)
		}
	case <-ctx.Done():
	}
}
