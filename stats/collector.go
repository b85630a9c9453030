// Package stats keeps the per-tier workload counters. Hot-path updates
// are single atomic increments; only the periodic snapshot takes a lock.
package stats

import (
	"sync"
	"sync/atomic"
)

// TierStats is a point-in-time copy of one tier's counters. The counter
// fields are exponentially decayed accumulations, so recent workload
// shape dominates over history.
type TierStats struct {
	Name string `json:"name"`

	Hits      float64 `json:"hits"`
	Misses    float64 `json:"misses"`
	Reads     float64 `json:"reads"`
	Writes    float64 `json:"writes"`
	GhostHits float64 `json:"ghost_hits"`

	// WriteBackFailures counts dirty evictions that had to be deferred
	// because the tier below refused the entry. A non-zero rate means
	// the tier is stuck over budget on a broken downstream.
	WriteBackFailures float64 `json:"write_back_failures"`

	// LeakedDirty counts dirty entries that could not be drained on
	// worker teardown. Non-zero values are a recovery flag, not decayed.
	LeakedDirty int64 `json:"leaked_dirty"`

	CurrentSize int64 `json:"current_size"`
	Capacity    int64 `json:"capacity"`
}

// HitRate is hits over total probes of this snapshot window.
func (ts TierStats) HitRate() float64 {
	total := ts.Hits + ts.Misses
	if total <= 0 {
		return 0
	}

	return ts.Hits / total
}

// Sizer reports a tier's current byte usage and capacity.
type Sizer func() (current, capacity int64)

// Tier is the counter block handed to one cache tier. All methods are
// single atomic adds and safe to call from any goroutine.
type Tier struct {
	name  string
	sizer Sizer

	hits, misses  uint64
	reads, writes uint64
	ghostHits     uint64
	wbFailures    uint64
	leakedDirty   int64

	// accumulated, decayed totals; guarded by the collector mutex.
	acc TierStats
}

// Hit records a probe that found its page.
func (t *Tier) Hit() { atomic.AddUint64(&t.hits, 1) }

// Miss records a probe that did not.
func (t *Tier) Miss() { atomic.AddUint64(&t.misses, 1) }

// Read records a read access.
func (t *Tier) Read() { atomic.AddUint64(&t.reads, 1) }

// Write records a write or dirty insert.
func (t *Tier) Write() { atomic.AddUint64(&t.writes, 1) }

// GhostHit records a miss on a page that was evicted only recently.
func (t *Tier) GhostHit() { atomic.AddUint64(&t.ghostHits, 1) }

// WriteBackFailure records a dirty eviction that was deferred because
// the write-back to the tier below failed.
func (t *Tier) WriteBackFailure() { atomic.AddUint64(&t.wbFailures, 1) }

// LeakedDirty flags `n` dirty entries that were lost track of during
// teardown and need recovery from the write-ahead path.
func (t *Tier) LeakedDirty(n int64) { atomic.AddInt64(&t.leakedDirty, n) }

// Name returns the tier name this block was registered under.
func (t *Tier) Name() string { return t.name }

// Collector owns the counter blocks of all tiers and produces decayed
// snapshots for the rebalancer.
type Collector struct {
	mu    sync.Mutex
	decay float64
	tiers []*Tier
	last  []TierStats
}

// NewCollector creates a collector with the given decay factor in (0, 1).
// On every snapshot, prior accumulated counts are scaled by the factor
// before the new deltas are added.
func NewCollector(decay float64) *Collector {
	if decay <= 0 || decay >= 1 {
		panic("bug: decay factor must be in (0, 1)")
	}

	return &Collector{decay: decay}
}

// Register creates the counter block for a tier. The sizer is polled
// on every snapshot; it must be safe to call concurrently.
func (c *Collector) Register(name string, sizer Sizer) *Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Tier{name: name, sizer: sizer}
	t.acc.Name = name
	c.tiers = append(c.tiers, t)
	return t
}

// Snapshot decays the accumulated totals, folds in the deltas since the
// previous snapshot and returns copies. Meant to be consumed by the
// rebalancer only; observers should use Last().
func (c *Collector) Snapshot() []TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TierStats, 0, len(c.tiers))
	for _, t := range c.tiers {
		t.acc.Hits = t.acc.Hits*c.decay + float64(atomic.SwapUint64(&t.hits, 0))
		t.acc.Misses = t.acc.Misses*c.decay + float64(atomic.SwapUint64(&t.misses, 0))
		t.acc.Reads = t.acc.Reads*c.decay + float64(atomic.SwapUint64(&t.reads, 0))
		t.acc.Writes = t.acc.Writes*c.decay + float64(atomic.SwapUint64(&t.writes, 0))
		t.acc.GhostHits = t.acc.GhostHits*c.decay + float64(atomic.SwapUint64(&t.ghostHits, 0))
		t.acc.WriteBackFailures = t.acc.WriteBackFailures*c.decay + float64(atomic.SwapUint64(&t.wbFailures, 0))
		t.acc.LeakedDirty = atomic.LoadInt64(&t.leakedDirty)

		if t.sizer != nil {
			t.acc.CurrentSize, t.acc.Capacity = t.sizer()
		}

		out = append(out, t.acc)
	}

	c.last = out
	return out
}

// Last returns a copy of the most recent snapshot without advancing the
// decay. This is the read-only view served by the metrics endpoint.
func (c *Collector) Last() []TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TierStats, len(c.last))
	copy(out, c.last)
	return out
}
