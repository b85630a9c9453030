package store

import (
	"sync"

	"github.com/sahib/ballast/page"
)

// MemoryStore is a purely in-memory page store. It exists for tests and
// benchmarks; it also counts writes and can be told to fail them, which
// the flush-failure tests rely on.
type MemoryStore struct {
	mu       sync.Mutex
	pages    map[page.ID][]byte
	writes   map[page.ID]int
	failWith error
}

// NewMemoryStore allocates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:  make(map[page.ID][]byte),
		writes: make(map[page.ID]int),
	}
}

// ReadPage returns the stored payload of `id`.
func (ms *MemoryStore) ReadPage(id page.ID) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	data, ok := ms.pages[id]
	if !ok {
		return nil, page.ErrNotFound
	}

	cpy := make([]byte, len(data))
	copy(cpy, data)
	return cpy, nil
}

// WritePage stores a copy of `payload` under `id`.
func (ms *MemoryStore) WritePage(id page.ID, payload []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.failWith != nil {
		return ms.failWith
	}

	cpy := make([]byte, len(payload))
	copy(cpy, payload)
	ms.pages[id] = cpy
	ms.writes[id]++
	return nil
}

// Close is a no-op for a memory store.
func (ms *MemoryStore) Close() error {
	return nil
}

// FailWrites makes all following WritePage calls fail with `err`.
// Pass nil to heal the store again.
func (ms *MemoryStore) FailWrites(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.failWith = err
}

// WriteCount returns how often `id` was written successfully.
func (ms *MemoryStore) WriteCount(id page.ID) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.writes[id]
}

// Len returns the number of stored pages.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return len(ms.pages)
}
