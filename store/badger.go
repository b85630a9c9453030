package store

import (
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger"
	e "github.com/pkg/errors"
	"github.com/sahib/ballast/page"
)

// BadgerStore keeps pages in a badger key/value database, one key per
// page. Badger gives us atomic single-page writes for free.
type BadgerStore struct {
	mu sync.Mutex
	db *badger.DB
}

// NewBadgerStore opens (or creates) a page store at `path`.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions

	opts.Dir = path
	opts.ValueDir = path

	db, err := badger.Open(opts)
	if err != nil {
		return nil, e.Wrap(err, "failed to open page store")
	}

	return &BadgerStore{db: db}, nil
}

func pageKey(id page.ID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// ReadPage returns the durable payload of `id`.
func (bs *BadgerStore) ReadPage(id page.ID) ([]byte, error) {
	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(id))
		if err == badger.ErrKeyNotFound {
			return page.ErrNotFound
		}

		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, err
	}

	return data, nil
}

// WritePage durably persists `payload` under `id`.
func (bs *BadgerStore) WritePage(id page.ID, payload []byte) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(id), payload)
	})
}

// Close closes the underlying database.
func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.db == nil {
		return nil
	}

	oldDb := bs.db
	bs.db = nil
	return oldDb.Close()
}
