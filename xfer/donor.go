package xfer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/quorumkv/statexfer/ist"
	"github.com/quorumkv/statexfer/wire"
)

// TrivialSST is the distinguished request payload meaning "no actual
// transfer needed": the donor simply acknowledges the requester's position
// without invoking the SST callback or spawning an IST sender.
var TrivialSST = []byte("TRIVIAL_SST")

// DonorConfig configures a Donor.
type DonorConfig struct {
	StateUUID ist.UUID
	Version   uint8

	GCS      GCS
	GCache   GCacheStore
	Callback DonorCallback
	Senders  *ist.AsyncSenderMap
	Monitors Monitors
	Sender   ist.SenderConfig

	Logger *log.Logger
}

// Donor serves state-transfer requests on behalf of this node: it decides
// SST-only versus SST+IST, drives the SST callback, and spawns an IST
// sender for the exact seqno gap when GCache can still cover it.
type Donor struct {
	cfg    DonorConfig
	logger *log.Logger

	mu    sync.Mutex
	state DonorState
}

// NewDonor constructs a donor backed by cfg.
func NewDonor(cfg DonorConfig) *Donor {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "donor: ", log.LstdFlags)
	}
	return &Donor{cfg: cfg, logger: cfg.Logger}
}

// State reports DonorActive while a ProcessStateRequest call is running. It
// reports DonorIdle again as soon as that call returns, even if the SST
// callback or IST sender the call started is still running in the
// background.
func (d *Donor) State() DonorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ProcessStateRequest serves req, which GCS has routed to this node at
// local-order slot seqnoL, pinned to a snapshot moment at donorSeq. It
// returns once the request has been accepted and any SST callback has been
// handed off to a background goroutine — it does not itself wait for that
// callback (or a spawned IST sender) to finish. If it returns nil and
// onSSTDone is non-nil, onSSTDone is called exactly once with the outcome
// of the SST leg (the handshake ack for a bypassed/trivial request, or the
// full copy for a real SST), which is the signal an external GCS forwards
// to the joiner as SSTReceived. When it returns an error before the SST leg
// starts (a failed drain or an unparsable request), onSSTDone is not called.
func (d *Donor) ProcessStateRequest(ctx context.Context, req []byte, seqnoL, donorSeq ist.Seqno, onSSTDone func(uuid ist.UUID, seqno ist.Seqno, err error)) error {
	if onSSTDone == nil {
		onSSTDone = func(ist.UUID, ist.Seqno, error) {}
	}

	// Step 1: pin a consistent snapshot moment. leftLocal tracks whether the
	// trivial path below has already released it, so the deferred backstop
	// at the bottom never double-leaves.
	d.cfg.Monitors.Local.Enter(int64(seqnoL))
	leftLocal := false
	defer func() {
		if !leftLocal {
			d.cfg.Monitors.Local.Leave(int64(seqnoL))
		}
	}()

	trivial := bytes.Equal(req, TrivialSST)

	if err := d.cfg.Monitors.Apply.Drain(ctx, int64(donorSeq)); err != nil {
		return fmt.Errorf("xfer: donor drain apply monitor: %w", err)
	}
	if !d.cfg.Monitors.CommitOrderBypass {
		if err := d.cfg.Monitors.Commit.Drain(ctx, int64(donorSeq)); err != nil {
			return fmt.Errorf("xfer: donor drain commit monitor: %w", err)
		}
	}

	// Step 2: shift to DONOR for the duration of this request.
	d.mu.Lock()
	d.state = DonorActive
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.state = DonorIdle
		d.mu.Unlock()
	}()

	// Step 3: the trivial fast path skips both SST and IST entirely. Leave
	// lo before joining — gcs.Join broadcasts this node's new position to
	// the group, which must not happen while it still holds a local-order
	// slot.
	if trivial {
		d.cfg.Monitors.Local.Leave(int64(seqnoL))
		leftLocal = true
		err := d.cfg.GCS.Join(donorSeq)
		onSSTDone(d.cfg.StateUUID, donorSeq, err)
		return err
	}

	parsed, err := wire.Parse(req)
	if err != nil {
		return fmt.Errorf("xfer: donor parse request: %w", err)
	}

	// Step 4: prefer IST+bypass-SST when the joiner's UUID matches ours and
	// GCache still retains the starting seqno; otherwise fall back to a
	// full SST from donorSeq. Either way, the SST callback itself runs in
	// the background: this request-processing path stays bounded-time and
	// never blocks on a callback of unknown latency.
	if rawIST := parsed.IST(); len(rawIST) > 0 {
		peerReq, perr := ist.ParseRequest(string(rawIST))
		switch {
		case perr != nil:
			d.logger.Printf("xfer: malformed ist sub-request, falling back to full sst: %v", perr)
		case peerReq.StateUUID != d.cfg.StateUUID:
			d.logger.Printf("xfer: ist request uuid mismatch, falling back to full sst")
		default:
			if unlock, lockErr := d.cfg.GCache.SeqnoLock(peerReq.LastApplied + 1); lockErr == nil {
				unlock()
				go d.runBypassSST(ctx, parsed.SST(), peerReq, donorSeq, onSSTDone)
				return nil
			}
			d.logger.Printf("xfer: gcache no longer retains seqno %d, falling back to full sst", peerReq.LastApplied+1)
		}
	}

	go d.runFullSST(ctx, parsed.SST(), donorSeq, onSSTDone)
	return nil
}

// runBypassSST drives the handshake-only SST callback and, once it
// succeeds, starts the IST sender for the joiner's requested range.
func (d *Donor) runBypassSST(ctx context.Context, sstReq []byte, peerReq ist.Request, donorSeq ist.Seqno, onSSTDone func(ist.UUID, ist.Seqno, error)) {
	err := d.cfg.Callback(ctx, sstReq, peerReq.StateUUID, donorSeq, true)
	onSSTDone(d.cfg.StateUUID, donorSeq, err)
	if err != nil {
		d.logger.Printf("xfer: donor sst callback (bypass): %v", err)
		return
	}
	d.cfg.Senders.Run(ctx, d.cfg.Sender, peerReq.Peer, peerReq.LastApplied+1, peerReq.GroupSeqno, d.cfg.Version)
}

// runFullSST drives the full SST callback in the background.
func (d *Donor) runFullSST(ctx context.Context, sstReq []byte, donorSeq ist.Seqno, onSSTDone func(ist.UUID, ist.Seqno, error)) {
	err := d.cfg.Callback(ctx, sstReq, d.cfg.StateUUID, donorSeq, false)
	onSSTDone(d.cfg.StateUUID, donorSeq, err)
	if err != nil {
		d.logger.Printf("xfer: donor sst callback: %v", err)
	}
}
