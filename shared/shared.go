// Package shared implements the cache tier visible to all workers.
// It stripes one eviction core per shard, keyed by page ID hash, so
// structural mutations only serialize within a shard while different
// shards proceed in parallel.
package shared

import (
	"sync"

	e "github.com/pkg/errors"
	"github.com/sahib/ballast/lru"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/stats"
	log "github.com/sirupsen/logrus"
)

// Demote persists a dirty page to the next colder tier (the disk
// tier's staging buffer). Must not block on I/O.
type Demote func(id page.ID, payload []byte) error

// Options configure a shared tier.
type Options struct {
	// MaxBytes is the initial capacity of the whole tier.
	MaxBytes int64

	// Shards is rounded up to the next power of two. Defaults to 8.
	Shards int

	// Demote receives dirty entries that fall out of the tier.
	Demote Demote

	// Stats is the counter block of this tier. May be nil.
	Stats *stats.Tier

	// Ghost remembers evicted IDs for the rebalancer. May be nil.
	Ghost *stats.Ghost
}

type shard struct {
	mu   sync.Mutex
	core *lru.Core
}

// Tier is the shared mid-level cache.
type Tier struct {
	shards []*shard
	mask   uint64
	opts   Options
}

// New creates a shared tier. Dirty entries leaving it are handed to
// opts.Demote before they are dropped; a failing demote retains the
// entry (no silent data loss).
func New(opts Options) *Tier {
	nshards := 1
	want := opts.Shards
	if want <= 0 {
		want = 8
	}
	for nshards < want {
		nshards *= 2
	}

	t := &Tier{
		shards: make([]*shard, nshards),
		mask:   uint64(nshards - 1),
		opts:   opts,
	}

	for i := range t.shards {
		coreOpts := lru.Options{
			WriteBack: func(ent *page.Entry) error {
				if opts.Demote == nil {
					return e.New("no demote target configured")
				}

				return opts.Demote(ent.ID, ent.Payload)
			},
		}

		if opts.Ghost != nil {
			coreOpts.OnEvict = opts.Ghost.Remember
		}

		t.shards[i] = &shard{
			core: lru.New(opts.MaxBytes/int64(nshards), coreOpts),
		}
	}

	return t
}

func (t *Tier) shard(id page.ID) *shard {
	// Fibonacci hashing; page IDs are often sequential.
	h := uint64(id) * 0x9e3779b97f4a7c15
	return t.shards[(h>>32)&t.mask]
}

// Get returns the payload of `id` if resident, marking it recently
// used. The payload is shared and read-only.
func (t *Tier) Get(id page.ID) ([]byte, bool) {
	sh := t.shard(id)

	// The payload must be captured while the shard is locked; a
	// concurrent Put on the same ID swaps the slice in place.
	sh.mu.Lock()
	var payload []byte
	ent, ok := sh.core.Get(id)
	if ok {
		payload = ent.Payload
	}
	sh.mu.Unlock()

	if t.opts.Stats != nil {
		t.opts.Stats.Read()
		if ok {
			t.opts.Stats.Hit()
		} else {
			t.opts.Stats.Miss()
		}
	}

	if !ok {
		if t.opts.Ghost != nil {
			t.opts.Ghost.Touch(id)
		}
		return nil, false
	}

	return payload, true
}

// Put inserts or updates `id`. When two workers race on the same ID,
// the shard lock picks one winner; the loser's payload is discarded and
// both observe the same value afterwards. A write-back failure during
// capacity enforcement keeps the dirty victim resident and is only
// logged here; the entry will be retried on the next eviction pass.
func (t *Tier) Put(id page.ID, payload []byte, dirty bool) error {
	sh := t.shard(id)

	sh.mu.Lock()
	err := sh.core.Put(id, payload, dirty)
	sh.mu.Unlock()

	if t.opts.Stats != nil {
		t.opts.Stats.Write()
	}

	if err != nil {
		if t.opts.Stats != nil {
			t.opts.Stats.WriteBackFailure()
		}

		log.Warningf("shared tier: eviction deferred: %v", err)
	}

	return nil
}

// Pin places a hold on the resident entry for `id`, preventing its
// eviction. Returns false if the page is not resident.
func (t *Tier) Pin(id page.ID) bool {
	sh := t.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.core.Peek(id)
	if !ok {
		return false
	}

	ent.Pin()
	return true
}

// Unpin releases one hold on `id`. Returns false if not resident.
func (t *Tier) Unpin(id page.ID) bool {
	sh := t.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.core.Peek(id)
	if !ok {
		return false
	}

	ent.Unpin()
	return true
}

// Remove drops `id` unconditionally (page deleted upstream).
func (t *Tier) Remove(id page.ID) {
	sh := t.shard(id)

	sh.mu.Lock()
	sh.core.Remove(id)
	sh.mu.Unlock()
}

// DrainDirty demotes every dirty resident entry via `fn`, marking
// entries clean on success. Used by checkpoints and shutdown.
func (t *Tier) DrainDirty(fn lru.WriteBack) error {
	for _, sh := range t.shards {
		sh.mu.Lock()
		err := sh.core.DrainDirty(fn)
		sh.mu.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

// SetCapacity splits the new bound evenly over the shards. Each shard
// resize serializes with that shard's ongoing evictions. If a shard
// cannot shrink because a dirty write-back failed, the remaining shards
// are still resized and the failure is reported for the rebalancer to
// defer this tier.
func (t *Tier) SetCapacity(maxBytes int64) error {
	per := maxBytes / int64(len(t.shards))

	var firstErr error
	for _, sh := range t.shards {
		sh.mu.Lock()
		err := sh.core.SetCapacity(per)
		sh.mu.Unlock()

		if err != nil {
			if t.opts.Stats != nil {
				t.opts.Stats.WriteBackFailure()
			}

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// CurrentBytes sums the shard sizes.
func (t *Tier) CurrentBytes() int64 {
	var sum int64
	for _, sh := range t.shards {
		sum += sh.core.CurrentBytes()
	}

	return sum
}

// Capacity sums the shard bounds.
func (t *Tier) Capacity() int64 {
	var sum int64
	for _, sh := range t.shards {
		sum += sh.core.Capacity()
	}

	return sum
}

// Len returns the number of resident entries over all shards.
func (t *Tier) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += sh.core.Len()
		sh.mu.Unlock()
	}

	return n
}

// Name identifies this tier towards the rebalancer.
func (t *Tier) Name() string { return "shared" }
