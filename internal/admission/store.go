package admission

import (
	"hash/fnv"
	"sync"
	"time"
)

// WindowStore is the narrow interface the controller mutates. It exists so
// the in-memory store can be swapped for a shared cache without touching the
// admission logic.
type WindowStore interface {
	// CompareAndIncrement applies fixed-window counting for key: if the
	// current window has elapsed it is reset, then the counter is
	// incremented only when doing so keeps it within limit. It returns the
	// window start and the post-call count (the count excludes the rejected
	// request), plus whether the request was admitted. The whole operation
	// is atomic with respect to concurrent callers of the same key.
	CompareAndIncrement(key string, limit int, window time.Duration, now time.Time) (windowStart time.Time, count int, admitted bool)

	// SweepExpired removes entries whose window elapsed at least one extra
	// window duration ago, bounding memory.
	SweepExpired(now time.Time) int

	// Len reports the number of live window entries.
	Len() int
}

type windowEntry struct {
	windowStart time.Time
	count       int
	window      time.Duration // remembered for sweeping
}

// shardCount spreads unrelated keys across locks so concurrent callers only
// serialize when they share the identical (identifier, class) key.
const shardCount = 32

type storeShard struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// MemoryStore is the in-process WindowStore: a sharded map with per-shard
// locking.
type MemoryStore struct {
	shards [shardCount]*storeShard
}

// NewMemoryStore creates an empty window store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[string]*windowEntry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// CompareAndIncrement implements WindowStore.
func (s *MemoryStore) CompareAndIncrement(key string, limit int, window time.Duration, now time.Time) (time.Time, int, bool) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[key]
	if !ok {
		e = &windowEntry{windowStart: now, window: window}
		shard.entries[key] = e
	}
	e.window = window

	if !now.Before(e.windowStart.Add(window)) {
		e.windowStart = now
		e.count = 0
	}

	if e.count+1 > limit {
		return e.windowStart, e.count, false
	}
	e.count++
	return e.windowStart, e.count, true
}

// SweepExpired implements WindowStore. An entry is removed once its window
// elapsed and a full extra window passed without it being touched (a touch
// inside CompareAndIncrement resets windowStart).
func (s *MemoryStore) SweepExpired(now time.Time) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, e := range shard.entries {
			if !now.Before(e.windowStart.Add(2 * e.window)) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len implements WindowStore.
func (s *MemoryStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}
