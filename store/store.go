// Package store is the boundary to the durable page store. The cache
// treats it as the single source of truth for page existence; everything
// cached above it is derived state.
package store

import (
	"github.com/sahib/ballast/page"
)

// Store reads and writes whole pages durably. A page write is atomic
// from the caller's perspective; partially written pages are never
// visible on ReadPage.
type Store interface {
	// ReadPage returns the durable payload of `id`.
	// Returns page.ErrNotFound if the page does not exist.
	ReadPage(id page.ID) ([]byte, error)

	// WritePage durably persists `payload` under `id`.
	WritePage(id page.ID, payload []byte) error

	// Close releases the store. Since I/O may happen, an error is
	// returned.
	Close() error
}
