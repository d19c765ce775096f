// Package gcache implements a bounded-retention cache of committed
// writesets, keyed by seqno: the reference GCache the state transfer
// coordinator drives during IST. It shards its storage by hashed seqno to
// reduce lock contention, the same reason the cache this package is
// adapted from shards by hashed key.
package gcache

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/quorumkv/statexfer/ist"
)

// ErrNotFound is returned by SeqnoLock and Get when a seqno has been evicted
// or was never stored.
var ErrNotFound = errors.New("gcache: seqno not retained")

const defaultShardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[ist.Seqno]ist.Writeset
	pins    map[ist.Seqno]int
}

// Cache is a bounded-retention, seqno-keyed writeset store. It retains the
// most recently appended `retention` writesets; anything older is evicted
// on the next Append unless it is currently pinned by an outstanding
// SeqnoLock.
type Cache struct {
	shards    []*shard
	retention int64

	mu   sync.Mutex // guards low/high watermark bookkeeping only
	low  ist.Seqno
	high ist.Seqno
}

// New constructs a cache retaining at most `retention` writesets.
func New(retention int) *Cache {
	if retention <= 0 {
		retention = 1
	}
	c := &Cache{
		shards:    make([]*shard, defaultShardCount),
		retention: int64(retention),
		low:       ist.SeqnoNone,
		high:      ist.SeqnoNone,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[ist.Seqno]ist.Writeset), pins: make(map[ist.Seqno]int)}
	}
	return c
}

func (c *Cache) shardFor(s ist.Seqno) *shard {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s))
	h := xxhash.Sum64(buf[:])
	return c.shards[h%uint64(len(c.shards))]
}

// Append stores ws, becoming the new high watermark, and evicts anything
// that has fallen out of the retention window and is not currently pinned.
func (c *Cache) Append(ws ist.Writeset) {
	sh := c.shardFor(ws.Seqno)
	sh.mu.Lock()
	sh.entries[ws.Seqno] = ws
	sh.mu.Unlock()

	c.mu.Lock()
	if c.low == ist.SeqnoNone {
		c.low = ws.Seqno
	}
	if ws.Seqno > c.high {
		c.high = ws.Seqno
	}
	cutoff := c.high - ist.Seqno(c.retention) + 1
	low := c.low
	c.mu.Unlock()

	// low must advance past only a contiguous run of actual evictions,
	// starting at the true watermark: a seqno still pinned stops the run
	// right there, and every future sweep starts again from that same
	// seqno rather than skipping past it.
	s := low
	for ; s < cutoff; s++ {
		if !c.evict(s) {
			break
		}
	}
	if s > low {
		c.mu.Lock()
		if s > c.low {
			c.low = s
		}
		c.mu.Unlock()
	}
}

// evict removes s unless it is pinned, returning whether it was removed
// (or was already absent, which counts as done for watermark advancement).
func (c *Cache) evict(s ist.Seqno) bool {
	sh := c.shardFor(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.pins[s] > 0 {
		return false
	}
	delete(sh.entries, s)
	return true
}

// SeqnoLock pins s against eviction until the returned function is called.
// It fails with ErrNotFound if s is not currently retained.
func (c *Cache) SeqnoLock(s ist.Seqno) (func(), error) {
	sh := c.shardFor(s)
	sh.mu.Lock()
	if _, ok := sh.entries[s]; !ok {
		sh.mu.Unlock()
		return nil, ErrNotFound
	}
	sh.pins[s]++
	sh.mu.Unlock()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			sh.mu.Lock()
			sh.pins[s]--
			if sh.pins[s] <= 0 {
				delete(sh.pins, s)
			}
			sh.mu.Unlock()
		})
	}
	return unlock, nil
}

// Get returns the writeset stored at s, or ErrNotFound.
func (c *Cache) Get(s ist.Seqno) (ist.Writeset, error) {
	sh := c.shardFor(s)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ws, ok := sh.entries[s]
	if !ok {
		return ist.Writeset{}, ErrNotFound
	}
	return ws, nil
}

// SeqnoReset drops all retained writesets and clears watermarks. The joiner
// calls this on entering JOINING, since retention is meaningless until it
// has rejoined the group.
func (c *Cache) SeqnoReset() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[ist.Seqno]ist.Writeset)
		sh.pins = make(map[ist.Seqno]int)
		sh.mu.Unlock()
	}
	c.mu.Lock()
	c.low = ist.SeqnoNone
	c.high = ist.SeqnoNone
	c.mu.Unlock()
}
