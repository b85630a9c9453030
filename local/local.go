// Package local implements the per-worker cache tier. Every worker owns
// one small eviction core and is the only goroutine touching it, so the
// hot get/put path takes no locks at all. Capacity changes coming from
// the rebalancer are staged in an atomic target and applied by the
// owning worker on its next access.
package local

import (
	"sync"
	"sync/atomic"

	"github.com/sahib/ballast/lru"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/shared"
	"github.com/sahib/ballast/stats"
	log "github.com/sirupsen/logrus"
)

// Tier is the thread-local cache of a single worker. It must only be
// used by the goroutine that obtained it from Set.Tier().
type Tier struct {
	worker int
	core   *lru.Core
	target int64 // atomic; capacity wanted by the rebalancer
	set    *Set
}

// Get returns the worker-local copy of `id`, if any.
func (t *Tier) Get(id page.ID) ([]byte, bool) {
	t.applyResize()

	ent, ok := t.core.Get(id)

	if t.set.st != nil {
		t.set.st.Read()
		if ok {
			t.set.st.Hit()
		} else {
			t.set.st.Miss()
		}
	}

	if !ok {
		if t.set.ghost != nil {
			t.set.ghost.Touch(id)
		}
		return nil, false
	}

	return ent.Payload, true
}

// Put caches `id` for this worker. Dirty entries that fall out of the
// tier are demoted to the shared tier, which keeps the authoritative
// location of writes; demotion to shared cannot lose data.
func (t *Tier) Put(id page.ID, payload []byte, dirty bool) {
	t.applyResize()

	if err := t.core.Put(id, payload, dirty); err != nil {
		// Demotion to shared does not fail; if it ever does, the entry
		// stayed resident and will be retried.
		if t.set.st != nil {
			t.set.st.WriteBackFailure()
		}

		log.Warningf("local tier %d: eviction deferred: %v", t.worker, err)
	}

	if t.set.st != nil && dirty {
		t.set.st.Write()
	}
}

// Remove drops the local copy of `id` (invalidated upstream).
func (t *Tier) Remove(id page.ID) {
	t.core.Remove(id)
}

// applyResize picks up a pending capacity change. Only the owning
// worker calls this, so the resize is serialized with its own accesses.
func (t *Tier) applyResize() {
	tgt := atomic.LoadInt64(&t.target)
	if tgt == t.core.Capacity() {
		return
	}

	if err := t.core.SetCapacity(tgt); err != nil {
		if t.set.st != nil {
			t.set.st.WriteBackFailure()
		}

		log.Warningf("local tier %d: resize deferred: %v", t.worker, err)
	}
}

// drain pushes all dirty entries to the shared tier.
func (t *Tier) drain() error {
	return t.core.DrainDirty(func(ent *page.Entry) error {
		return t.set.shared.Put(ent.ID, ent.Payload, true)
	})
}

// Set owns the local tiers of all active workers, keyed by worker
// identity. The map is only locked on worker creation and teardown,
// never on the get/put path.
type Set struct {
	mu        sync.Mutex
	tiers     map[int]*Tier
	allowance int64 // atomic; bytes granted to all local tiers together
	shared    *shared.Tier
	st        *stats.Tier
	ghost     *stats.Ghost
}

// Options configure a local tier set.
type Options struct {
	// Allowance is the initial byte budget shared by all workers.
	Allowance int64

	// Shared receives demoted dirty entries and teardown drains.
	Shared *shared.Tier

	// Stats is the aggregate counter block of all local tiers.
	Stats *stats.Tier

	// Ghost remembers locally evicted IDs. May be nil.
	Ghost *stats.Ghost
}

// NewSet creates an empty tier set.
func NewSet(opts Options) *Set {
	return &Set{
		tiers:     make(map[int]*Tier),
		allowance: opts.Allowance,
		shared:    opts.Shared,
		st:        opts.Stats,
		ghost:     opts.Ghost,
	}
}

// Tier returns the tier owned by `worker`, creating it lazily. The
// allowance is re-split over all active workers when one joins.
func (s *Set) Tier(worker int) *Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tiers[worker]; ok {
		return t
	}

	coreOpts := lru.Options{
		WriteBack: func(ent *page.Entry) error {
			return s.shared.Put(ent.ID, ent.Payload, true)
		},
	}

	if s.ghost != nil {
		coreOpts.OnEvict = s.ghost.Remember
	}

	t := &Tier{
		worker: worker,
		core:   lru.New(0, coreOpts),
		set:    s,
	}

	s.tiers[worker] = t
	s.retarget()

	// New tiers start at their share right away; there is no owner
	// access to apply it yet.
	t.applyResize()
	return t
}

// CloseWorker tears down the tier of `worker`, draining all dirty
// entries to the shared tier first. If the drain fails, the leftover
// dirty entries are flagged as leaked for recovery; they are never
// silently discarded.
func (s *Set) CloseWorker(worker int) error {
	s.mu.Lock()
	t, ok := s.tiers[worker]
	delete(s.tiers, worker)
	s.retarget()
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := t.drain(); err != nil {
		leaked := int64(0)
		t.core.Each(func(ent *page.Entry) {
			if ent.Dirty {
				leaked++
			}
		})

		if s.st != nil {
			s.st.LeakedDirty(leaked)
		}

		log.Errorf(
			"local tier %d: %d dirty page(s) leaked on teardown: %v",
			worker, leaked, err,
		)
		return err
	}

	return nil
}

// Close drains and drops all remaining tiers. Workers must have
// stopped accessing their tiers before this is called.
func (s *Set) Close() error {
	s.mu.Lock()
	workers := make([]int, 0, len(s.tiers))
	for worker := range s.tiers {
		workers = append(workers, worker)
	}
	s.mu.Unlock()

	var firstErr error
	for _, worker := range workers {
		if err := s.CloseWorker(worker); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// retarget re-splits the allowance. Callers hold s.mu.
func (s *Set) retarget() {
	n := int64(len(s.tiers))
	if n == 0 {
		return
	}

	per := atomic.LoadInt64(&s.allowance) / n
	for _, t := range s.tiers {
		atomic.StoreInt64(&t.target, per)
	}
}

// SetCapacity adjusts the byte budget of all local tiers together.
// The per-worker share is applied by each worker on its next access,
// so the rebalancer never blocks a worker here.
func (s *Set) SetCapacity(maxBytes int64) error {
	atomic.StoreInt64(&s.allowance, maxBytes)

	s.mu.Lock()
	s.retarget()
	s.mu.Unlock()
	return nil
}

// CurrentBytes sums the sizes of all local tiers.
func (s *Set) CurrentBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, t := range s.tiers {
		sum += t.core.CurrentBytes()
	}

	return sum
}

// Capacity returns the total byte budget granted to local tiers.
func (s *Set) Capacity() int64 {
	return atomic.LoadInt64(&s.allowance)
}

// Len returns the number of active worker tiers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tiers)
}

// Name identifies this tier towards the rebalancer.
func (s *Set) Name() string { return "local" }
