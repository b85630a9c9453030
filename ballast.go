// Package ballast is an adaptive multi-tier page cache for an embedded
// transactional storage engine. It sits between query execution workers
// and the durable page store, absorbing repeated reads and writes, and
// continuously re-partitions its memory budget over three tiers based
// on the observed workload:
//
//   - a per-worker tier with lock-free access (package local),
//   - a shared tier striped over several locks (package shared),
//   - a write-buffering disk tier in front of the store (package disktier).
//
// The subsystem is an explicitly constructed object with a startup and
// shutdown lifecycle; nothing here hides behind package-level state.
package ballast

import (
	"context"
	"time"

	e "github.com/pkg/errors"
	"github.com/sahib/ballast/defaults"
	"github.com/sahib/ballast/disktier"
	"github.com/sahib/ballast/local"
	"github.com/sahib/ballast/metrics"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/rebalance"
	"github.com/sahib/ballast/shared"
	"github.com/sahib/ballast/stats"
	"github.com/sahib/ballast/store"
	"github.com/sahib/config"
	log "github.com/sirupsen/logrus"
)

// pinAttempts bounds the load-then-pin retry when the freshly loaded
// entry is evicted before the pin lands. Practically one round.
const pinAttempts = 3

// Cache is the owned cache subsystem. Construct it with New, hand
// Worker handles to your execution goroutines and Close it on the way
// out. All methods except the Worker handles are safe for concurrent
// use.
type Cache struct {
	cfg       *config.Config
	backend   store.Store
	collector *stats.Collector

	locals *local.Set
	shared *shared.Tier
	disk   *disktier.Tier

	reb        *rebalance.Loop
	metricsSrv *metrics.Server
}

// New builds the cache subsystem over `backend`. A nil `cfg` uses the
// defaults; see the defaults package for all tunables.
func New(backend store.Store, cfg *config.Config) (*Cache, error) {
	if backend == nil {
		return nil, e.New("no durable store given")
	}

	if cfg == nil {
		cfg = defaults.MustOpenDefault()
	}

	budget := cfg.Int("cache.total_memory_budget")
	floor := cfg.Int("cache.per_tier_floor")
	ghostEntries := int(cfg.Int("cache.ghost_entries"))

	c := &Cache{
		cfg:       cfg,
		backend:   backend,
		collector: stats.NewCollector(cfg.Float("cache.decay_factor")),
	}

	// The sizer closures run on snapshots only, well after New returns.
	localStats := c.collector.Register("local", func() (int64, int64) {
		return c.locals.CurrentBytes(), c.locals.Capacity()
	})
	sharedStats := c.collector.Register("shared", func() (int64, int64) {
		return c.shared.CurrentBytes(), c.shared.Capacity()
	})
	diskStats := c.collector.Register("disk", func() (int64, int64) {
		return c.disk.CurrentBytes(), c.disk.Capacity()
	})

	c.disk = disktier.New(backend, disktier.Options{
		MaxBytes:      budget / 3,
		FlushInterval: cfg.Duration("cache.disk.flush_interval"),
		Compress:      cfg.Bool("cache.disk.compress"),
		Stats:         diskStats,
	})

	c.shared = shared.New(shared.Options{
		MaxBytes: budget / 3,
		Shards:   int(cfg.Int("cache.shared.shards")),
		Demote:   c.disk.Stage,
		Stats:    sharedStats,
		Ghost:    stats.NewGhost(ghostEntries, sharedStats),
	})

	c.locals = local.NewSet(local.Options{
		Allowance: budget / 3,
		Shared:    c.shared,
		Stats:     localStats,
		Ghost:     stats.NewGhost(ghostEntries, localStats),
	})

	c.reb = rebalance.New(
		c.collector,
		[]rebalance.Resizable{c.locals, c.shared, c.disk},
		rebalance.Config{
			Budget:   budget,
			Floor:    floor,
			Interval: cfg.Duration("cache.rebalance_interval"),
		},
	)

	c.disk.Start()
	c.reb.Start()

	if cfg.Bool("cache.metrics.enabled") {
		c.metricsSrv = metrics.NewServer(c.collector, int(cfg.Int("cache.metrics.port")))
		go func() {
			if err := c.metricsSrv.Serve(); err != nil {
				log.Errorf("metrics endpoint died: %v", err)
			}
		}()
	}

	return c, nil
}

// Worker returns the cache handle for one execution goroutine. The
// handle (and its local tier) must only be used by that goroutine;
// exclusive ownership is what makes its hot path lock-free.
func (c *Cache) Worker(id int) *Worker {
	return &Worker{
		id:    id,
		local: c.locals.Tier(id),
		cache: c,
	}
}

// CloseWorker tears down the local tier of `id`, draining its dirty
// pages to the shared tier. Call it on every worker exit path.
func (c *Cache) CloseWorker(id int) error {
	return c.locals.CloseWorker(id)
}

// Pin places a transaction hold on `id`: the page will not be evicted
// from the cache until unpinned. The page is loaded if necessary.
func (c *Cache) Pin(id page.ID) error {
	for i := 0; i < pinAttempts; i++ {
		if c.shared.Pin(id) {
			return nil
		}

		if _, err := c.loadShared(id); err != nil {
			return err
		}
	}

	return e.Errorf("%s: entry did not stay resident during pin", id)
}

// Unpin releases one hold on `id`.
func (c *Cache) Unpin(id page.ID) error {
	if !c.shared.Unpin(id) {
		return e.Errorf("%s: unpin of non-resident page", id)
	}

	return nil
}

// loadShared makes `id` resident in the shared tier, fetching it from
// the staging buffer or the durable store.
func (c *Cache) loadShared(id page.ID) ([]byte, error) {
	if payload, ok := c.shared.Get(id); ok {
		return payload, nil
	}

	if payload, ok := c.disk.Lookup(id); ok {
		// The staged copy stays authoritative until flushed; this is
		// just a readable copy.
		c.shared.Put(id, payload, false)
		return payload, nil
	}

	payload, err := c.backend.ReadPage(id)
	if err != nil {
		if err == page.ErrNotFound {
			return nil, err
		}

		return nil, e.Wrapf(err, "failed to read %s", id)
	}

	c.shared.Put(id, payload, false)
	return payload, nil
}

// Checkpoint synchronously pushes all dirty state in the shared tier
// through the staging buffer into the durable store. Worker-local
// dirty pages are not included; they belong to in-flight work and are
// demoted on worker teardown. I/O errors are propagated to the caller,
// the affected pages stay staged.
func (c *Cache) Checkpoint(ctx context.Context) error {
	if err := c.shared.DrainDirty(func(ent *page.Entry) error {
		return c.disk.Stage(ent.ID, ent.Payload)
	}); err != nil {
		return err
	}

	if _, err := c.disk.Flush(ctx, nil); err != nil {
		return err
	}

	return nil
}

// Invalidate drops all non-worker-local copies of `id` without
// write-back, for pages deleted upstream. Worker handles drop their
// own copy via Worker.Invalidate.
func (c *Cache) Invalidate(id page.ID) {
	c.shared.Remove(id)
	c.disk.Drop(id)
}

// Stats returns the most recent statistics snapshot. Read-only; the
// decay accounting is driven by the rebalancer alone.
func (c *Cache) Stats() []stats.TierStats {
	return c.collector.Last()
}

// Tick runs one rebalancing round outside the periodic schedule.
// Mostly useful for tests and tooling.
func (c *Cache) Tick() rebalance.CapacityPlan {
	return c.reb.Tick()
}

// Close drains the whole hierarchy: worker tiers into the shared tier,
// shared dirty pages into the staging buffer, and the staging buffer
// into the durable store. The backend itself stays open; it is owned
// by the caller.
func (c *Cache) Close() error {
	c.reb.Stop()

	if c.metricsSrv != nil {
		if err := c.metricsSrv.Stop(); err != nil {
			log.Warningf("failed to stop metrics endpoint: %v", err)
		}
	}

	start := time.Now()
	var firstErr error

	if err := c.locals.Close(); err != nil {
		firstErr = err
	}

	if err := c.shared.DrainDirty(func(ent *page.Entry) error {
		return c.disk.Stage(ent.ID, ent.Payload)
	}); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := c.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Debugf("cache drained in %v", time.Since(start))
	return firstErr
}
