// Package disktier buffers dirty pages on their way to the durable
// store so they can be flushed in batches. Staged payloads are snappy
// compressed by default; swapping is slow anyways, so trading a bit of
// CPU for a smaller buffer is usually worth it.
package disktier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	e "github.com/pkg/errors"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/stats"
	"github.com/sahib/ballast/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// FlushError reports the staged pages that could not be written out.
// They remain staged and will be retried on the next flush cycle.
type FlushError struct {
	Failed []page.ID
	Cause  error
}

func (fe *FlushError) Error() string {
	return fmt.Sprintf(
		"flush failed for %d page(s) (first cause: %v)",
		len(fe.Failed), fe.Cause,
	)
}

type stagedPage struct {
	data       []byte
	compressed bool
}

func (sp *stagedPage) size() int64 {
	return int64(len(sp.data)) + page.Overhead
}

// Options configure a disk tier.
type Options struct {
	// MaxBytes is the initial staging buffer bound.
	MaxBytes int64

	// FlushInterval is how often the background flusher runs.
	FlushInterval time.Duration

	// Compress staged payloads with snappy.
	Compress bool

	// Stats is the counter block of this tier. May be nil.
	Stats *stats.Tier
}

// Tier is the adaptive write buffer in front of the durable store.
// Stage and Lookup are cheap and may be called from worker paths;
// Flush does blocking I/O and must only be called from the flusher
// goroutine, the rebalancer or an explicit checkpoint.
type Tier struct {
	mu       sync.Mutex
	staged   map[page.ID]*stagedPage
	curBytes int64 // atomic
	maxBytes int64 // atomic

	backend store.Store
	opts    Options
	limiter *rate.Limiter
	wakeup  chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a disk tier writing through to `backend`.
func New(backend store.Store, opts Options) *Tier {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}

	return &Tier{
		staged:   make(map[page.ID]*stagedPage),
		maxBytes: opts.MaxBytes,
		backend:  backend,
		opts:     opts,
		// Do not hammer a broken store with retry cycles:
		limiter: rate.NewLimiter(rate.Every(opts.FlushInterval/2), 2),
		wakeup:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Stage adds a dirty page to the pending flush set. Re-staging an ID
// overwrites the previous pending version. Reaching the buffer bound
// signals the flusher, it never blocks the caller.
func (t *Tier) Stage(id page.ID, payload []byte) error {
	sp := &stagedPage{data: payload}
	if t.opts.Compress {
		sp.data = snappy.Encode(nil, payload)
		sp.compressed = true
	}

	t.mu.Lock()
	if old, ok := t.staged[id]; ok {
		atomic.AddInt64(&t.curBytes, -old.size())
	}

	t.staged[id] = sp
	atomic.AddInt64(&t.curBytes, sp.size())
	pressured := atomic.LoadInt64(&t.curBytes) > atomic.LoadInt64(&t.maxBytes)
	t.mu.Unlock()

	if t.opts.Stats != nil {
		t.opts.Stats.Write()
	}

	if pressured {
		t.signal()
	}

	return nil
}

// Lookup serves a staged page that was not flushed yet. The returned
// payload is a copy owned by the caller.
func (t *Tier) Lookup(id page.ID) ([]byte, bool) {
	t.mu.Lock()
	sp, ok := t.staged[id]
	t.mu.Unlock()

	if t.opts.Stats != nil {
		t.opts.Stats.Read()
		if ok {
			t.opts.Stats.Hit()
		} else {
			t.opts.Stats.Miss()
		}
	}

	if !ok {
		return nil, false
	}

	if sp.compressed {
		payload, err := snappy.Decode(nil, sp.data)
		if err != nil {
			// this is a programming error, we compressed it ourselves:
			panic(fmt.Sprintf("bug: staged page %s does not decompress: %v", id, err))
		}

		return payload, true
	}

	cpy := make([]byte, len(sp.data))
	copy(cpy, sp.data)
	return cpy, true
}

// Flush writes all staged pages matching `pred` (nil means all) to the
// durable store and unstages them. Pages whose write fails, and pages
// not handled before the context deadline, stay staged for the next
// cycle. Returns the number of pages flushed.
func (t *Tier) Flush(ctx context.Context, pred func(id page.ID) bool) (int, error) {
	type job struct {
		id page.ID
		sp *stagedPage
	}

	t.mu.Lock()
	jobs := make([]job, 0, len(t.staged))
	for id, sp := range t.staged {
		if pred == nil || pred(id) {
			jobs = append(jobs, job{id: id, sp: sp})
		}
	}
	t.mu.Unlock()

	// Deterministic flush order helps the store batch sequential pages.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].id < jobs[j].id })

	flushed := 0
	var failed []page.ID
	var cause error

	for _, jb := range jobs {
		if err := ctx.Err(); err != nil {
			// Deadline hit; everything not flushed yet stays staged.
			return flushed, e.Wrap(err, "flush interrupted")
		}

		payload := jb.sp.data
		if jb.sp.compressed {
			var err error
			payload, err = snappy.Decode(nil, jb.sp.data)
			if err != nil {
				panic(fmt.Sprintf("bug: staged page %s does not decompress: %v", jb.id, err))
			}
		}

		if err := t.backend.WritePage(jb.id, payload); err != nil {
			failed = append(failed, jb.id)
			if cause == nil {
				cause = err
			}
			continue
		}

		t.mu.Lock()
		// Only unstage if nobody re-staged a newer version meanwhile:
		if cur, ok := t.staged[jb.id]; ok && cur == jb.sp {
			delete(t.staged, jb.id)
			atomic.AddInt64(&t.curBytes, -jb.sp.size())
		}
		t.mu.Unlock()
		flushed++
	}

	if len(failed) > 0 {
		return flushed, &FlushError{Failed: failed, Cause: cause}
	}

	return flushed, nil
}

// Drop unstages `id` without writing it out. Only valid for pages
// that were deleted or invalidated upstream.
func (t *Tier) Drop(id page.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sp, ok := t.staged[id]; ok {
		delete(t.staged, id)
		atomic.AddInt64(&t.curBytes, -sp.size())
	}
}

// SetCapacity adjusts the staging buffer bound. Shrinking below the
// currently staged size never drops data; it schedules a flush instead.
func (t *Tier) SetCapacity(maxBytes int64) error {
	atomic.StoreInt64(&t.maxBytes, maxBytes)
	if atomic.LoadInt64(&t.curBytes) > maxBytes {
		t.signal()
	}

	return nil
}

// CurrentBytes returns the size of the staged set.
func (t *Tier) CurrentBytes() int64 {
	return atomic.LoadInt64(&t.curBytes)
}

// Capacity returns the staging buffer bound.
func (t *Tier) Capacity() int64 {
	return atomic.LoadInt64(&t.maxBytes)
}

// Len returns the number of staged pages.
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.staged)
}

// Name identifies this tier towards the rebalancer.
func (t *Tier) Name() string { return "disk" }

func (t *Tier) signal() {
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

// Start launches the background flusher. It wakes up on the flush
// interval and on buffer pressure.
func (t *Tier) Start() {
	if t.started {
		return
	}

	t.started = true
	go t.flushLoop()
}

func (t *Tier) flushLoop() {
	defer close(t.done)

	tckr := time.NewTicker(t.opts.FlushInterval)
	defer tckr.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-tckr.C:
		case <-t.wakeup:
		}

		if !t.limiter.Allow() {
			// Too soon after the last (possibly failing) cycle.
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.opts.FlushInterval)
		flushed, err := t.Flush(ctx, nil)
		cancel()

		if err != nil {
			log.Warningf(
				"disk tier: background flush incomplete (%s still staged): %v",
				humanize.Bytes(uint64(t.CurrentBytes())), err,
			)
			continue
		}

		if flushed > 0 {
			log.Debugf("disk tier: flushed %d page(s)", flushed)
		}
	}
}

// Close flushes everything still staged and stops the flusher.
// A dirty page is never dropped without reaching the durable store.
func (t *Tier) Close() error {
	if t.started {
		close(t.quit)
		<-t.done
		t.started = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := t.Flush(ctx, nil)
	return err
}
