// Package page defines the page identifiers and cache entries that move
// between the tiers of the cache hierarchy.
package page

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// Overhead is the bookkeeping cost charged per resident entry on top
	// of its payload when accounting against a tier's byte capacity.
	Overhead = 64
)

var (
	// ErrNotFound indicates that a page exists neither in any cache tier
	// nor in the durable store.
	ErrNotFound = errors.New("page not found")

	// ErrCacheMiss indicates that a page is missing from a cache tier.
	// Not a real error, but a sentinel to indicate this state.
	ErrCacheMiss = errors.New("cache miss")
)

// ID is the opaque identifier of a logical page.
// The durable store is the single source of truth for its existence;
// cached copies are always derived.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("page-%08x", uint64(id))
}

// Entry is a single cached page as held by one tier. Every tier owns its
// own Entry headers; only the payload slice may be shared between tiers
// and is treated as read-only once it entered the cache.
type Entry struct {
	// ID of the page this entry caches.
	ID ID

	// Payload is the page content. Read-only after insert;
	// updates replace the whole slice.
	Payload []byte

	// Dirty is true if the payload was modified since it was last
	// handed to the durable store.
	Dirty bool

	// Tick is the access counter stamp maintained by the owning
	// eviction core. Higher means more recently used.
	Tick uint64

	pins int32
}

// NewEntry creates an entry for `id` holding `payload`.
func NewEntry(id ID, payload []byte, dirty bool) *Entry {
	return &Entry{
		ID:      id,
		Payload: payload,
		Dirty:   dirty,
	}
}

// Size is the number of bytes this entry counts against a tier capacity.
func (e *Entry) Size() int64 {
	return int64(len(e.Payload)) + Overhead
}

// Pin places a transaction hold on the entry. A pinned entry must not be
// evicted by any tier.
func (e *Entry) Pin() {
	atomic.AddInt32(&e.pins, 1)
}

// Unpin releases one hold. Unpinning below zero is a programming error.
func (e *Entry) Unpin() {
	if atomic.AddInt32(&e.pins, -1) < 0 {
		panic(fmt.Sprintf("bug: pin count of %s dropped below zero", e.ID))
	}
}

// Pinned tells if any transaction currently holds this entry.
func (e *Entry) Pinned() bool {
	return atomic.LoadInt32(&e.pins) > 0
}

// Pins returns the current number of holds.
func (e *Entry) Pins() int {
	return int(atomic.LoadInt32(&e.pins))
}
