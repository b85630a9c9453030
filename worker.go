package ballast

import (
	e "github.com/pkg/errors"
	"github.com/sahib/ballast/local"
	"github.com/sahib/ballast/page"
)

// Worker is the per-goroutine cache handle. Fetch and Write hit the
// worker's own tier first and take no locks there. A Worker must not
// be shared between goroutines.
type Worker struct {
	id    int
	local *local.Tier
	cache *Cache
}

// Fetch returns the payload of `id`, walking local tier, shared tier,
// staging buffer and finally the durable store. Pages fetched from
// below are inserted into the shared and local tiers on the way up.
// Returns page.ErrNotFound if the page exists nowhere.
func (w *Worker) Fetch(id page.ID) ([]byte, error) {
	if payload, ok := w.local.Get(id); ok {
		return payload, nil
	}

	if payload, ok := w.cache.shared.Get(id); ok {
		w.local.Put(id, payload, false)
		return payload, nil
	}

	if payload, ok := w.cache.disk.Lookup(id); ok {
		// Still on its way to the store; serve the staged version and
		// cache readable copies above it.
		w.cache.shared.Put(id, payload, false)
		w.local.Put(id, payload, false)
		return payload, nil
	}

	payload, err := w.cache.backend.ReadPage(id)
	if err != nil {
		if err == page.ErrNotFound {
			return nil, err
		}

		return nil, e.Wrapf(err, "failed to read %s", id)
	}

	w.cache.shared.Put(id, payload, false)
	w.local.Put(id, payload, false)
	return payload, nil
}

// Write caches `payload` under `id`, marked dirty. The write lands in
// the worker's own tier and becomes visible to other workers once it
// is demoted to the shared tier; a Fetch of the same ID by the same
// worker always sees it immediately.
func (w *Worker) Write(id page.ID, payload []byte) {
	w.local.Put(id, payload, true)
}

// Invalidate drops this worker's local copy of `id`.
func (w *Worker) Invalidate(id page.ID) {
	w.local.Remove(id)
}

// ID returns the worker identity this handle was created for.
func (w *Worker) ID() int {
	return w.id
}
