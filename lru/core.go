// Package lru implements the eviction core used by all cache tiers:
// a capacity-bounded associative container with least-recently-used
// eviction and a capacity bound that can shrink or grow at runtime
// without rebuilding the container.
//
// Recency is tracked with a monotonic access counter stamped on every
// entry. Eviction scans for the smallest stamp among unpinned entries
// instead of keeping a physically ordered list, so resizing never has
// to rewrite the whole structure.
//
// NOTE: We do not use one of the popular caching libraries here. We need
// eviction hooks for dirty write-back, pin-aware victim selection and a
// resizable byte bound; none of ristretto/bigcache/golang-lru offer all
// three. The core is small enough to own.
//
// A Core is not safe for concurrent use. Owners do the locking, same
// split of duty as between mdcache and its layers.
package lru

import (
	"errors"
	"fmt"
	"sync/atomic"

	e "github.com/pkg/errors"
	"github.com/sahib/ballast/page"
)

// ErrWriteBack indicates that a dirty entry could not be written back
// during eviction or resize. The entry was retained in place.
var ErrWriteBack = errors.New("write-back of dirty entry failed")

// WriteBack persists a dirty entry to the next colder tier before the
// entry is dropped. It must not call back into the same core.
type WriteBack func(ent *page.Entry) error

// Options configure hooks of a core. All fields are optional.
type Options struct {
	// WriteBack is invoked for dirty entries before eviction.
	// If nil, dirty entries are never evicted (only overshoot).
	WriteBack WriteBack

	// OnEvict is told about every entry that left the core through
	// eviction (not through Remove). Used to feed ghost lists.
	OnEvict func(id page.ID)
}

// Core is a resizable, pin-aware LRU container.
type Core struct {
	entries  map[page.ID]*page.Entry
	tick     uint64
	curBytes int64 // atomic; also read by the stats collector
	maxBytes int64 // atomic; dito
	opts     Options
}

// New creates a core bounded to `maxBytes`.
func New(maxBytes int64, opts Options) *Core {
	return &Core{
		entries:  make(map[page.ID]*page.Entry),
		maxBytes: maxBytes,
		opts:     opts,
	}
}

// Get returns the entry for `id`, marking it most recently used.
func (c *Core) Get(id page.ID) (*page.Entry, bool) {
	ent, ok := c.entries[id]
	if !ok {
		return nil, false
	}

	c.tick++
	ent.Tick = c.tick
	return ent, true
}

// Peek returns the entry for `id` without touching its recency.
func (c *Core) Peek(id page.ID) (*page.Entry, bool) {
	ent, ok := c.entries[id]
	return ent, ok
}

// Put inserts or updates `id`, marking it most recently used. An update
// never clears an existing dirty flag; only a write-back does that.
// Put enforces the capacity bound afterwards. If enforcing required
// evicting a dirty entry and its write-back failed, the put itself
// stays valid and the failure is returned wrapped around ErrWriteBack.
func (c *Core) Put(id page.ID, payload []byte, dirty bool) error {
	c.tick++

	if ent, ok := c.entries[id]; ok {
		atomic.AddInt64(&c.curBytes, int64(len(payload))-int64(len(ent.Payload)))
		ent.Payload = payload
		ent.Dirty = ent.Dirty || dirty
		ent.Tick = c.tick
		return c.enforce()
	}

	ent := page.NewEntry(id, payload, dirty)
	ent.Tick = c.tick
	c.entries[id] = ent
	atomic.AddInt64(&c.curBytes, ent.Size())
	return c.enforce()
}

// Remove drops `id` unconditionally, without write-back. It is meant for
// pages that were deleted or invalidated upstream.
func (c *Core) Remove(id page.ID) bool {
	ent, ok := c.entries[id]
	if !ok {
		return false
	}

	c.unaccount(ent)
	delete(c.entries, id)
	return true
}

// SetCapacity changes the byte bound. Shrinking below the current size
// evicts least-recently-used unpinned entries until the bound holds
// again. Calling it again with the same value is a no-op.
func (c *Core) SetCapacity(maxBytes int64) error {
	if atomic.LoadInt64(&c.maxBytes) == maxBytes {
		return nil
	}

	atomic.StoreInt64(&c.maxBytes, maxBytes)
	return c.enforce()
}

// enforce evicts until size fits the bound. Pinned entries are skipped
// and retained; if only pinned entries remain the core stays over budget
// until the next mutating access checks again.
func (c *Core) enforce() error {
	for atomic.LoadInt64(&c.curBytes) > atomic.LoadInt64(&c.maxBytes) {
		victim := c.victim()
		if victim == nil {
			// Everything left is pinned (or retained after a failed
			// write-back). Temporary overshoot is allowed here.
			return nil
		}

		if victim.Dirty {
			if c.opts.WriteBack == nil {
				return nil
			}

			if err := c.opts.WriteBack(victim); err != nil {
				// Entry stays in place; caller decides how loud to be.
				return e.Wrapf(ErrWriteBack, "%s: %v", victim.ID, err)
			}

			victim.Dirty = false
		}

		c.unaccount(victim)
		delete(c.entries, victim.ID)
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(victim.ID)
		}
	}

	return nil
}

// victim selects the unpinned entry with the smallest access stamp.
// Ties are broken towards the lowest page ID to keep eviction
// deterministic.
func (c *Core) victim() *page.Entry {
	var best *page.Entry
	for _, ent := range c.entries {
		if ent.Pinned() {
			continue
		}

		if best == nil || ent.Tick < best.Tick {
			best = ent
			continue
		}

		if ent.Tick == best.Tick && ent.ID < best.ID {
			best = ent
		}
	}

	return best
}

func (c *Core) unaccount(ent *page.Entry) {
	if atomic.AddInt64(&c.curBytes, -ent.Size()) < 0 {
		// this is a programming error:
		panic(fmt.Sprintf("bug: negative byte accounting after dropping %s", ent.ID))
	}
}

// DrainDirty hands every dirty entry to `fn`, marking it clean on
// success. Entries stay resident; this demotes data, not residency.
// The first failure stops the drain and is returned.
func (c *Core) DrainDirty(fn WriteBack) error {
	for _, ent := range c.entries {
		if !ent.Dirty {
			continue
		}

		if err := fn(ent); err != nil {
			return e.Wrapf(ErrWriteBack, "%s: %v", ent.ID, err)
		}

		ent.Dirty = false
	}

	return nil
}

// Each calls fn for every resident entry in no particular order.
func (c *Core) Each(fn func(ent *page.Entry)) {
	for _, ent := range c.entries {
		fn(ent)
	}
}

// Len returns the number of resident entries.
func (c *Core) Len() int {
	return len(c.entries)
}

// CurrentBytes returns the accounted size. Safe to read concurrently.
func (c *Core) CurrentBytes() int64 {
	return atomic.LoadInt64(&c.curBytes)
}

// Capacity returns the byte bound. Safe to read concurrently.
func (c *Core) Capacity() int64 {
	return atomic.LoadInt64(&c.maxBytes)
}
