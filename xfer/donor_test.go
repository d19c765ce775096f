package xfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumkv/statexfer/gcache"
	"github.com/quorumkv/statexfer/ist"
	"github.com/quorumkv/statexfer/monitor"
	"github.com/quorumkv/statexfer/wire"
)

var (
	uuidA = ist.UUID{0xaa}
	uuidB = ist.UUID{0xbb}
	uuidC = ist.UUID{0xcc}
)

func newMonitorsAt(seqno ist.Seqno) Monitors {
	apply := monitor.New(0)
	commit := monitor.New(0)
	local := monitor.New(0)
	_ = apply.SetInitialPosition(int64(seqno))
	_ = commit.SetInitialPosition(int64(seqno))
	return Monitors{Apply: apply, Commit: commit, Local: local}
}

type fakeGCS struct {
	mu     sync.Mutex
	joined []ist.Seqno

	// onJoin, when set, fires synchronously inside Join before it records
	// the call — lets a test observe ordering against Join without racing
	// the assertion against ProcessStateRequest's own background work.
	onJoin func()
}

func (g *fakeGCS) RequestStateTransfer(ctx context.Context, req []byte, hint string) (int, int64, error) {
	return 0, 0, nil
}

func (g *fakeGCS) Join(seqno ist.Seqno) error {
	if g.onJoin != nil {
		g.onJoin()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joined = append(g.joined, seqno)
	return nil
}

func (g *fakeGCS) joinedSeqnos() []ist.Seqno {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ist.Seqno, len(g.joined))
	copy(out, g.joined)
	return out
}

type callbackCall struct {
	uuid   ist.UUID
	seqno  ist.Seqno
	bypass bool
}

type recordingCallback struct {
	mu    sync.Mutex
	calls []callbackCall
}

func (c *recordingCallback) callback() DonorCallback {
	return func(ctx context.Context, req []byte, uuid ist.UUID, seqno ist.Seqno, bypass bool) error {
		c.mu.Lock()
		c.calls = append(c.calls, callbackCall{uuid, seqno, bypass})
		c.mu.Unlock()
		return nil
	}
}

func (c *recordingCallback) snapshot() []callbackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]callbackCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// donorObserver is a minimal ist.Observer for donor-side tests: it records
// delivered writesets and the terminal error.
type donorObserver struct {
	mu       sync.Mutex
	received []ist.Writeset
	end      chan error
}

func newDonorObserver() *donorObserver {
	return &donorObserver{end: make(chan error, 1)}
}

func (o *donorObserver) IstTrx(ws ist.Writeset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, ws)
}

func (o *donorObserver) IstEnd(err error) {
	o.end <- err
}

func (o *donorObserver) snapshot() []ist.Writeset {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ist.Writeset, len(o.received))
	copy(out, o.received)
	return out
}

func fillCache(c *gcache.Cache, first, last ist.Seqno) {
	for s := first; s <= last; s++ {
		c.Append(ist.Writeset{Seqno: s, MustApply: true, Payload: []byte("x")})
	}
}

// gatedCache closes reached when a Get for seqno at arrives, then holds
// that Get until release is closed.
type gatedCache struct {
	*gcache.Cache
	at      ist.Seqno
	reached chan struct{}
	release chan struct{}
}

func (g *gatedCache) Get(s ist.Seqno) (ist.Writeset, error) {
	if s == g.at {
		close(g.reached)
		<-g.release
	}
	return g.Cache.Get(s)
}

// sstDone collects the outcome ProcessStateRequest hands to onSSTDone,
// which now fires from a background goroutine for any non-trivial request.
type sstDone struct {
	ch chan struct {
		uuid  ist.UUID
		seqno ist.Seqno
		err   error
	}
}

func newSSTDone() *sstDone {
	return &sstDone{ch: make(chan struct {
		uuid  ist.UUID
		seqno ist.Seqno
		err   error
	}, 1)}
}

func (d *sstDone) notify(uuid ist.UUID, seqno ist.Seqno, err error) {
	d.ch <- struct {
		uuid  ist.UUID
		seqno ist.Seqno
		err   error
	}{uuid, seqno, err}
}

func (d *sstDone) await(t *testing.T) {
	t.Helper()
	select {
	case <-d.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onSSTDone")
	}
}

// Scenario 1: Trivial SST.
func TestDonorTrivialSSTAcksWithoutTransfer(t *testing.T) {
	monitors := newMonitorsAt(50)

	var leftBeforeJoin bool
	gcs := &fakeGCS{}
	gcs.onJoin = func() {
		// seqnoL (0) must already have left the local monitor by the time
		// Join fires: the group must never see this node's new position
		// while it still holds a local-order slot.
		leftBeforeJoin = monitors.Local.LastLeft() >= 0
	}
	cb := &recordingCallback{}
	senders := ist.NewAsyncSenderMap(gcache.New(10), nil)

	donor := NewDonor(DonorConfig{
		StateUUID: uuidA,
		GCS:       gcs,
		GCache:    gcache.New(10),
		Callback:  cb.callback(),
		Senders:   senders,
		Monitors:  monitors,
	})

	done := newSSTDone()
	if err := donor.ProcessStateRequest(context.Background(), TrivialSST, 0, 50, done.notify); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}
	done.await(t)

	if !leftBeforeJoin {
		t.Fatal("expected local monitor to have left its slot before GCS.Join was called")
	}
	if joined := gcs.joinedSeqnos(); len(joined) != 1 || joined[0] != 50 {
		t.Fatalf("expected exactly one Join(50), got %v", joined)
	}
	if calls := cb.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no sst callback invocation, got %d", len(calls))
	}
	if senders.Len() != 0 {
		t.Fatalf("expected no ist sender spawned")
	}
}

// Scenario 2: IST-only, joiner behind but donor's cache still covers the gap.
func TestDonorISTOnlyDeliversRange(t *testing.T) {
	donorCache := gcache.New(20)
	fillCache(donorCache, 101, 105)

	obs := newDonorObserver()
	recv := ist.NewReceiver(ist.ReceiverConfig{RecvAddr: "127.0.0.1:0"}, obs, 1)
	addr, err := recv.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go recv.Run(ctx)
	recv.Ready(101, 105)

	peerReq := ist.Request{StateUUID: uuidA, LastApplied: 100, GroupSeqno: 105, Peer: addr}
	built, err := wire.Build([]byte("full-sst-marker"), []byte(peerReq.String()))
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}

	gcs := &fakeGCS{}
	cb := &recordingCallback{}
	senders := ist.NewAsyncSenderMap(donorCache, nil)
	donor := NewDonor(DonorConfig{
		StateUUID: uuidA,
		Version:   1,
		GCS:       gcs,
		GCache:    donorCache,
		Callback:  cb.callback(),
		Senders:   senders,
		Monitors:  newMonitorsAt(105),
		Sender:    ist.SenderConfig{DialTimeout: time.Second, WriteTimeout: time.Second},
	})

	done := newSSTDone()
	if err := donor.ProcessStateRequest(context.Background(), built, 0, 105, done.notify); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}
	done.await(t)

	select {
	case err := <-obs.end:
		if err != nil {
			t.Fatalf("IstEnd: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for IstEnd")
	}

	calls := cb.snapshot()
	if len(calls) != 1 || !calls[0].bypass || calls[0].seqno != 105 {
		t.Fatalf("expected one bypass=true callback at seqno 105, got %v", calls)
	}
	got := obs.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 delivered writesets, got %d", len(got))
	}
	if recv.Finished() != 105 {
		t.Fatalf("Finished(): got %d want 105", recv.Finished())
	}
}

// Scenario 3: donor's cache has evicted the gap's start; falls back to a
// full SST.
func TestDonorFallsBackToFullSSTWhenGCacheEvicted(t *testing.T) {
	donorCache := gcache.New(10) // empty: seqno 101 was never retained

	peerReq := ist.Request{StateUUID: uuidA, LastApplied: 100, GroupSeqno: 105, Peer: "127.0.0.1:1"}
	built, err := wire.Build([]byte("full-sst-marker"), []byte(peerReq.String()))
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}

	gcs := &fakeGCS{}
	cb := &recordingCallback{}
	senders := ist.NewAsyncSenderMap(donorCache, nil)
	donor := NewDonor(DonorConfig{
		StateUUID: uuidA,
		GCS:       gcs,
		GCache:    donorCache,
		Callback:  cb.callback(),
		Senders:   senders,
		Monitors:  newMonitorsAt(105),
	})

	done := newSSTDone()
	if err := donor.ProcessStateRequest(context.Background(), built, 0, 105, done.notify); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}
	done.await(t)

	calls := cb.snapshot()
	if len(calls) != 1 || calls[0].bypass || calls[0].seqno != 105 {
		t.Fatalf("expected one bypass=false callback at seqno 105, got %v", calls)
	}
	if senders.Len() != 0 {
		t.Fatalf("expected no ist sender spawned on fallback")
	}
}

// Scenario 4: joiner presents a different group UUID than the donor's own;
// IST is refused even though the cache still holds the gap.
func TestDonorFallsBackOnUUIDMismatch(t *testing.T) {
	donorCache := gcache.New(20)
	fillCache(donorCache, 101, 105)

	peerReq := ist.Request{StateUUID: uuidB, LastApplied: 100, GroupSeqno: 105, Peer: "127.0.0.1:1"}
	built, err := wire.Build([]byte("full-sst-marker"), []byte(peerReq.String()))
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}

	gcs := &fakeGCS{}
	cb := &recordingCallback{}
	senders := ist.NewAsyncSenderMap(donorCache, nil)
	donor := NewDonor(DonorConfig{
		StateUUID: uuidA, // differs from peerReq.StateUUID
		GCS:       gcs,
		GCache:    donorCache,
		Callback:  cb.callback(),
		Senders:   senders,
		Monitors:  newMonitorsAt(105),
	})

	done := newSSTDone()
	if err := donor.ProcessStateRequest(context.Background(), built, 0, 105, done.notify); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}
	done.await(t)

	calls := cb.snapshot()
	if len(calls) != 1 || calls[0].bypass {
		t.Fatalf("expected fallback bypass=false callback, got %v", calls)
	}
	if senders.Len() != 0 {
		t.Fatalf("expected no ist sender spawned on uuid mismatch")
	}
}

// Scenario 5: cancelling the donor's async senders mid-stream surfaces a
// non-nil error to the receiver without delivering the remainder.
func TestDonorCancelMidISTSurfacesErrorToReceiver(t *testing.T) {
	donorCache := gcache.New(20)
	fillCache(donorCache, 101, 110)

	obs := newDonorObserver()
	recv := ist.NewReceiver(ist.ReceiverConfig{RecvAddr: "127.0.0.1:0"}, obs, 1)
	addr, err := recv.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go recv.Run(ctx)
	recv.Ready(101, 110)

	peerReq := ist.Request{StateUUID: uuidA, LastApplied: 100, GroupSeqno: 110, Peer: addr}
	built, err := wire.Build([]byte("full-sst-marker"), []byte(peerReq.String()))
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}

	gated := &gatedCache{Cache: donorCache, at: 104, reached: make(chan struct{}), release: make(chan struct{})}
	defer close(gated.release)

	gcs := &fakeGCS{}
	cb := &recordingCallback{}
	senders := ist.NewAsyncSenderMap(gated, nil)
	donor := NewDonor(DonorConfig{
		StateUUID: uuidA,
		Version:   1,
		GCS:       gcs,
		GCache:    donorCache,
		Callback:  cb.callback(),
		Senders:   senders,
		Monitors:  newMonitorsAt(110),
		Sender:    ist.SenderConfig{DialTimeout: time.Second, WriteTimeout: time.Second},
	})

	if err := donor.ProcessStateRequest(context.Background(), built, 0, 110, nil); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}

	// Cancel once the sender has put 101..103 on the wire and is fetching
	// 104. Cancel blocks until the sender exits, and the sender stays held
	// in Get(104) until the test returns, so Cancel runs in its own
	// goroutine.
	select {
	case <-gated.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("sender never reached seqno 104")
	}
	go senders.Cancel()

	select {
	case err := <-obs.end:
		if err == nil {
			t.Fatal("expected non-nil IstEnd error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for IstEnd")
	}

	if recv.Finished() >= 110 {
		t.Fatalf("expected a partial delivery short of 110, got %d", recv.Finished())
	}
}

// Under commit-order bypass, the donor must never drain the commit
// monitor: it deliberately never advances here, and processing must still
// complete instead of blocking on it.
func TestDonorCommitOrderBypassSkipsCommitDrain(t *testing.T) {
	apply := monitor.New(0)
	commit := monitor.New(0) // left at -1 on purpose
	local := monitor.New(0)
	if err := apply.SetInitialPosition(50); err != nil {
		t.Fatalf("SetInitialPosition: %v", err)
	}

	gcs := &fakeGCS{}
	donor := NewDonor(DonorConfig{
		StateUUID: uuidA,
		GCS:       gcs,
		GCache:    gcache.New(10),
		Callback:  (&recordingCallback{}).callback(),
		Senders:   ist.NewAsyncSenderMap(gcache.New(10), nil),
		Monitors:  Monitors{Apply: apply, Commit: commit, Local: local, CommitOrderBypass: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := newSSTDone()
	if err := donor.ProcessStateRequest(ctx, TrivialSST, 0, 50, done.notify); err != nil {
		t.Fatalf("ProcessStateRequest: %v", err)
	}
	done.await(t)

	if joined := gcs.joinedSeqnos(); len(joined) != 1 || joined[0] != 50 {
		t.Fatalf("expected Join(50), got %v", joined)
	}
	if got := commit.LastLeft(); got != -1 {
		t.Fatalf("expected commit monitor untouched at -1 under bypass, got %d", got)
	}
}
