package ist

import (
	"context"
	"log"
	"sync"
)

// AsyncSenderMap tracks IST senders running in their own goroutines on the
// donor side, so that a shutting-down node can cancel every one of them and
// wait for the last one to actually exit. It is guarded by a
// condition-variable-backed lock rather than a plain mutex: Cancel's wait
// for the set to drain must itself be a cancellation point, the same reason
// the original gave for using a monitor instead of a mutex here.
type AsyncSenderMap struct {
	gcache GCacheReader
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	senders map[*Sender]struct{}
}

// NewAsyncSenderMap constructs a registry backed by gcache, from which every
// spawned sender reads.
func NewAsyncSenderMap(gcache GCacheReader, logger *log.Logger) *AsyncSenderMap {
	if logger == nil {
		logger = log.Default()
	}
	m := &AsyncSenderMap{gcache: gcache, logger: logger, senders: make(map[*Sender]struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Run spawns a sender for [first, last] against peer at the given protocol
// version, tracking it until it exits.
func (m *AsyncSenderMap) Run(ctx context.Context, conf SenderConfig, peer string, first, last Seqno, version uint8) {
	s := NewSender(conf, m.gcache, peer, version)

	m.mu.Lock()
	m.senders[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		err := s.Send(ctx, first, last)
		m.remove(s, err)
	}()
}

// remove is called by a sender's goroutine on exit. IST-serve failure is
// logged, not propagated: the joiner learns of a broken stream from its own
// receiver, never from the donor.
func (m *AsyncSenderMap) remove(s *Sender, sendErr error) {
	m.mu.Lock()
	delete(m.senders, s)
	remaining := len(m.senders)
	m.mu.Unlock()
	m.cond.Broadcast()

	if sendErr != nil && sendErr != ErrCancelled {
		m.logger.Printf("ist: async sender exited with error: %v (senders remaining: %d)", sendErr, remaining)
	}
}

// Cancel closes every outstanding sender's socket and blocks until all of
// them have removed themselves from the map.
func (m *AsyncSenderMap) Cancel() {
	m.mu.Lock()
	for s := range m.senders {
		s.Cancel()
	}
	for len(m.senders) > 0 {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// Len reports the number of senders currently in flight. Intended for tests
// and diagnostics.
func (m *AsyncSenderMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders)
}
