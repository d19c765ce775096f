package xfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quorumkv/statexfer/ist"
	"github.com/quorumkv/statexfer/monitor"
	"github.com/quorumkv/statexfer/wire"
)

// Monitors bundles the three ordered-admission monitors the joiner and
// donor coordinate through: apply and commit order writeset processing,
// local orders this node's own slot reservations against the group.
//
// CommitOrderBypass mirrors a deployment-wide commit-order mode, not
// anything about a particular request: when set, the commit monitor takes
// no part in donor pinning or post-SST realignment, and only the apply
// monitor is drained/realigned.
type Monitors struct {
	Apply             *monitor.Monitor
	Commit            *monitor.Monitor
	Local             *monitor.Monitor
	CommitOrderBypass bool
}

// JoinerConfig configures a Joiner. GCS, GCache, Applier and Monitors are
// required; the rest fall back to reasonable defaults.
type JoinerConfig struct {
	StateUUID ist.UUID
	Version   uint8

	GCS      GCS
	GCache   GCacheStore
	Applier  Applier
	Monitors Monitors

	Receiver ist.ReceiverConfig
	Sender   ist.SenderConfig

	// DonorHint is passed through to GCS.RequestStateTransfer verbatim; it
	// names a preferred donor, or is empty to let GCS choose.
	DonorHint     string
	RetryInterval time.Duration

	Logger    *log.Logger
	FatalHook FatalHook
}

// Joiner drives one node's side of a state transfer: build the request,
// submit it through GCS, wait for SST completion, align its monitors, then
// drain IST if the group has moved on since SST was taken.
type Joiner struct {
	cfg    JoinerConfig
	logger *log.Logger

	mu           sync.Mutex
	state        JoinerState
	sstState     SSTState
	expectedUUID ist.UUID
	receiver     *ist.Receiver

	// sstMu/sstCond are the rendezvous for the external SSTReceived signal.
	// They are held across the entire GCS retry loop, not merely around the
	// condition wait, so a concurrent SSTReceived can never race a
	// still-in-flight submit.
	sstMu        sync.Mutex
	sstCond      *sync.Cond
	sstUUID      ist.UUID
	sstSeqno     ist.Seqno
	sstSignalled bool
}

// NewJoiner constructs a joiner in the OPEN state.
func NewJoiner(cfg JoinerConfig) *Joiner {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "joiner: ", log.LstdFlags)
	}
	if cfg.FatalHook == nil {
		cfg.FatalHook = DefaultFatalHook
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	j := &Joiner{cfg: cfg, logger: cfg.Logger, state: Open, sstSeqno: ist.SeqnoNone}
	j.sstCond = sync.NewCond(&j.sstMu)
	return j
}

// State reports the joiner's current membership state.
func (j *Joiner) State() JoinerState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SSTState reports the outcome of the most recently awaited SST.
func (j *Joiner) SSTState() SSTState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sstState
}

// SSTReceived is the external callback GCS (or the SST donor script) fires
// once the state snapshot has landed. It only records the signal; UUID
// validation happens on the RequestStateTransfer goroutine that is waiting
// for it, since only that call knows which group it expected.
func (j *Joiner) SSTReceived(uuid ist.UUID, seqno ist.Seqno) {
	j.sstMu.Lock()
	j.sstUUID = uuid
	j.sstSeqno = seqno
	j.sstSignalled = true
	j.sstMu.Unlock()
	j.sstCond.Broadcast()
}

// RequestStateTransfer runs the joiner side of a state transfer to
// completion: builds the request, submits it, waits for SST, aligns
// monitors, and drains IST if the group has moved past the SST's seqno. It
// blocks until the join succeeds, fails, or ctx is cancelled.
func (j *Joiner) RequestStateTransfer(ctx context.Context, groupUUID ist.UUID, groupSeqno ist.Seqno, sstReq []byte) error {
	j.mu.Lock()
	j.state = StateJoiner
	j.expectedUUID = groupUUID
	j.sstState = SSTWait
	j.mu.Unlock()

	j.sstMu.Lock()
	j.sstSignalled = false
	j.sstMu.Unlock()

	observer := newJoinerObserver(j.cfg.Applier)
	receiver := ist.NewReceiver(j.cfg.Receiver, observer, j.cfg.Version)

	// Step 2: Prepare before the request is submitted — a donor may connect
	// back the instant it sees the advertised address.
	advertised, err := receiver.Prepare()
	if err != nil {
		return fmt.Errorf("xfer: ist receiver prepare: %w", err)
	}
	j.mu.Lock()
	j.receiver = receiver
	j.mu.Unlock()

	// Every return path below tears down the receiver's listener: a join
	// that needs no IST interrupts it explicitly, and this deferred call
	// covers every other return, including after IST has drained.
	defer receiver.Interrupt()

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go receiver.Run(recvCtx)

	// Step 1: build the StateRequest, synthesizing the IST sub-request.
	istReq := ist.Request{
		StateUUID:   j.cfg.StateUUID,
		LastApplied: ist.Seqno(j.cfg.Monitors.Apply.LastLeft()),
		GroupSeqno:  groupSeqno,
		Peer:        advertised,
	}
	built, err := wire.Build(sstReq, []byte(istReq.String()))
	if err != nil {
		return fmt.Errorf("xfer: build state request: %w", err)
	}

	// Steps 3-4: submit under sst_mutex, held across the entire retry loop.
	seqnoL, err := j.submitWithRetry(ctx, built)
	if err != nil {
		return err
	}

	if j.cfg.Monitors.Local.WouldBlock(seqnoL) {
		return ErrDeadlock
	}
	j.cfg.Monitors.Local.SelfCancel(seqnoL)

	// Step 5: shift to JOINING, retention is meaningless until rejoined.
	j.mu.Lock()
	j.state = Joining
	j.mu.Unlock()
	j.cfg.GCache.SeqnoReset()

	// Step 6: wait for the external SSTReceived signal, or ctx.
	stopWake := context.AfterFunc(ctx, func() {
		j.sstMu.Lock()
		j.sstCond.Broadcast()
		j.sstMu.Unlock()
	})
	defer stopWake()
	j.sstMu.Lock()
	for !j.sstSignalled && ctx.Err() == nil {
		j.sstCond.Wait()
	}
	signalled := j.sstSignalled
	sstUUID := j.sstUUID
	sstSeqno := j.sstSeqno
	j.sstMu.Unlock()
	if !signalled {
		return ctx.Err()
	}

	if sstUUID != groupUUID {
		err := fmt.Errorf("%w: got %s want %s", ErrUUIDMismatch, sstUUID, groupUUID)
		j.cfg.FatalHook(j.logger, err)
		return err
	}

	// Step 7: align both monitors, clear-then-set since they refuse to move
	// backwards. The commit monitor sits out entirely under commit-order
	// bypass mode.
	if err := j.cfg.Monitors.Apply.SetInitialPosition(-1); err != nil {
		return err
	}
	if err := j.cfg.Monitors.Apply.SetInitialPosition(int64(sstSeqno)); err != nil {
		return err
	}
	if !j.cfg.Monitors.CommitOrderBypass {
		if err := j.cfg.Monitors.Commit.SetInitialPosition(-1); err != nil {
			return err
		}
		if err := j.cfg.Monitors.Commit.SetInitialPosition(int64(sstSeqno)); err != nil {
			return err
		}
	}

	// Step 8: drain IST if the group has moved on since SST was taken.
	if sstSeqno < groupSeqno {
		receiver.Ready(sstSeqno+1, groupSeqno)
		var istErr error
		select {
		case istErr = <-observer.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if istErr != nil {
			j.mu.Lock()
			j.sstState = SSTFailed
			j.mu.Unlock()
			return fmt.Errorf("xfer: ist: %w", istErr)
		}
	} else {
		receiver.Interrupt()
	}

	// Step 9: drop the request.
	_ = receiver.Finished()
	j.mu.Lock()
	j.state = Joined
	j.sstState = SSTNone
	j.mu.Unlock()
	return nil
}

func (j *Joiner) submitWithRetry(ctx context.Context, req []byte) (int64, error) {
	j.sstMu.Lock()
	defer j.sstMu.Unlock()

	retryCount := 0
	for {
		donorID, seqnoL, err := j.cfg.GCS.RequestStateTransfer(ctx, req, j.cfg.DonorHint)
		if err == nil {
			if retryCount > 0 {
				j.logger.Printf("xfer: state transfer request succeeded after %d retries (donor %d)", retryCount, donorID)
			}
			return seqnoL, nil
		}
		if !errors.Is(err, ErrRetryable) {
			return 0, fmt.Errorf("xfer: request state transfer: %w", err)
		}
		if retryCount == 0 {
			j.logger.Printf("xfer: state transfer request failed (%v), retrying every %s", err, j.cfg.RetryInterval)
		}
		retryCount++
		select {
		case <-time.After(j.cfg.RetryInterval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// joinerObserver bridges ist.Observer callbacks to the joiner's Applier and
// a single-shot completion channel RequestStateTransfer waits on.
type joinerObserver struct {
	applier Applier
	done    chan error
}

func newJoinerObserver(applier Applier) *joinerObserver {
	return &joinerObserver{applier: applier, done: make(chan error, 1)}
}

func (o *joinerObserver) IstTrx(ws ist.Writeset) {
	o.applier.IstTrx(ws)
}

func (o *joinerObserver) IstEnd(err error) {
	o.done <- err
}
