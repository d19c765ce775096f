package xfer

import (
	"context"
	"log"
	"sync"

	"github.com/quorumkv/statexfer/ist"
)

// MemApplier is a minimal in-memory reference Applier: it appends every
// delivered writeset to an ordered log in the order the receiver hands them
// over. It backs the standalone CLI, where there is no real storage engine
// to apply into.
type MemApplier struct {
	mu  sync.Mutex
	log []ist.Writeset
}

// NewMemApplier constructs an empty in-memory applier.
func NewMemApplier() *MemApplier { return &MemApplier{} }

func (a *MemApplier) IstTrx(ws ist.Writeset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append(a.log, ws)
}

// Log returns a copy of the writesets applied so far, in delivery order.
func (a *MemApplier) Log() []ist.Writeset {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ist.Writeset, len(a.log))
	copy(out, a.log)
	return out
}

// NoopSSTCallback is the reference SST donor/joiner script: it copies
// nothing and just hands back an acknowledgement, for standalone runs with
// no real state to snapshot.
func NoopSSTCallback(logger *log.Logger) DonorCallback {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, req []byte, uuid ist.UUID, seqno ist.Seqno, bypass bool) error {
		logger.Printf("xfer: sst callback: uuid=%s seqno=%d bypass=%v (no-op)", uuid, seqno, bypass)
		return nil
	}
}
