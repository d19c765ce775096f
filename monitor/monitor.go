// Package monitor implements an ordered-admission primitive: a serialization
// point that tracks which seqnos have completed and lets callers wait for a
// point in that order to be reached, skip a slot without processing it, or
// reset the order entirely. It backs the apply monitor, commit monitor, and
// local-order monitor used by the state transfer coordinator.
package monitor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrBackwards is returned by SetInitialPosition when asked to move the
// monitor's position backwards; the monitor refuses, since callers rely on
// its position being monotonic.
var ErrBackwards = errors.New("monitor: position must not move backwards")

// seqnoHeap is a min-heap of completed-but-not-yet-contiguous seqnos,
// waiting for the gap in front of them to close so LastLeft can advance.
type seqnoHeap []int64

func (h seqnoHeap) Len() int            { return len(h) }
func (h seqnoHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqnoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqnoHeap) Push(x any)         { *h = append(*h, x.(int64)) }
func (h *seqnoHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Monitor serializes admission to a totally-ordered sequence of slots. A
// caller Enters a seqno to declare intent to process it, then Leaves it (or
// SelfCancels it to skip processing without breaking the order). LastLeft
// only advances once every seqno up to it has left or been self-cancelled.
type Monitor struct {
	mu          sync.Mutex
	changed     chan struct{}
	lastLeft    int64
	outstanding map[int64]struct{}
	doneAhead   seqnoHeap
	capacity    int
}

// New constructs a monitor with a bounded admission window. A capacity of 0
// means unbounded (WouldBlock always reports false).
func New(capacity int) *Monitor {
	return &Monitor{
		lastLeft:    -1,
		outstanding: make(map[int64]struct{}),
		capacity:    capacity,
		changed:     make(chan struct{}),
	}
}

// Enter declares intent to process seqno. It does not block; ordering is
// enforced by the caller only entering seqnos it is actually about to work
// on, in an order consistent with the group's total order.
func (m *Monitor) Enter(seqno int64) {
	m.mu.Lock()
	m.outstanding[seqno] = struct{}{}
	m.mu.Unlock()
}

// Leave marks seqno as fully processed, advancing LastLeft through any
// contiguous run of already-completed seqnos that were waiting behind it.
func (m *Monitor) Leave(seqno int64) {
	m.complete(seqno)
}

// SelfCancel marks seqno as done without having been processed — used to
// release a reserved slot the caller will never actually apply.
func (m *Monitor) SelfCancel(seqno int64) {
	m.complete(seqno)
}

func (m *Monitor) complete(seqno int64) {
	m.mu.Lock()
	delete(m.outstanding, seqno)
	heap.Push(&m.doneAhead, seqno)
	m.advanceLocked()
	ch := m.changed
	m.changed = make(chan struct{})
	m.mu.Unlock()
	close(ch)
}

func (m *Monitor) advanceLocked() {
	for len(m.doneAhead) > 0 && m.doneAhead[0] == m.lastLeft+1 {
		heap.Pop(&m.doneAhead)
		m.lastLeft++
	}
}

// Drain blocks until LastLeft() >= seqno, or ctx is done.
func (m *Monitor) Drain(ctx context.Context, seqno int64) error {
	for {
		m.mu.Lock()
		if m.lastLeft >= seqno {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetInitialPosition sets the monitor's completed position. Passing -1
// clears all outstanding and pending state; any other value must not be
// less than the current LastLeft, matching the two-step clear-then-set
// pattern the joiner uses to realign monitors after SST.
func (m *Monitor) SetInitialPosition(seqno int64) error {
	m.mu.Lock()
	if seqno == -1 {
		m.lastLeft = -1
		m.outstanding = make(map[int64]struct{})
		m.doneAhead = nil
		ch := m.changed
		m.changed = make(chan struct{})
		m.mu.Unlock()
		close(ch)
		return nil
	}
	if seqno < m.lastLeft {
		m.mu.Unlock()
		return ErrBackwards
	}
	m.lastLeft = seqno
	ch := m.changed
	m.changed = make(chan struct{})
	m.mu.Unlock()
	close(ch)
	return nil
}

// WouldBlock reports whether entering seqno would exceed the monitor's
// admission window, i.e. there is no room left because too many slots ahead
// of LastLeft are still outstanding.
func (m *Monitor) WouldBlock(seqno int64) bool {
	if m.capacity <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return seqno-m.lastLeft > int64(m.capacity)
}

// LastLeft returns the highest seqno such that every seqno up to and
// including it has left or been self-cancelled.
func (m *Monitor) LastLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLeft
}
