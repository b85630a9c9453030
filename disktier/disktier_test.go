package disktier

import (
	"context"
	"testing"
	"time"

	e "github.com/pkg/errors"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/store"
	"github.com/sahib/ballast/util/testutil"
	"github.com/stretchr/testify/require"
)

func withTier(t *testing.T, opts Options, fn func(tier *Tier, backend *store.MemoryStore)) {
	backend := store.NewMemoryStore()
	fn(New(backend, opts), backend)
}

func TestDiskStageLookup(t *testing.T) {
	// Compression on, so this covers the encode/decode roundtrip too.
	withTier(t, Options{MaxBytes: 1024 * 1024, Compress: true}, func(tier *Tier, _ *store.MemoryStore) {
		payload := testutil.CreateDummyBuf(4096)
		require.NoError(t, tier.Stage(1, payload))

		got, ok := tier.Lookup(1)
		require.True(t, ok)
		require.Equal(t, payload, got)

		_, ok = tier.Lookup(2)
		require.False(t, ok)

		// Striped data compresses well; way less than 4k staged:
		require.True(t, tier.CurrentBytes() < 4096)
	})
}

func TestDiskFlush(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024, Compress: true}, func(tier *Tier, backend *store.MemoryStore) {
		payload := testutil.CreateDummyBuf(4096)
		for id := page.ID(1); id <= 4; id++ {
			require.NoError(t, tier.Stage(id, payload))
		}

		flushed, err := tier.Flush(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, 4, flushed)

		require.Equal(t, 0, tier.Len())
		require.Equal(t, int64(0), tier.CurrentBytes())

		for id := page.ID(1); id <= 4; id++ {
			got, err := backend.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, payload, got)
		}
	})
}

func TestDiskRestageCoalesces(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, backend *store.MemoryStore) {
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('a', 512)))
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('b', 512)))
		require.Equal(t, 1, tier.Len())

		_, err := tier.Flush(context.Background(), nil)
		require.NoError(t, err)

		// Both versions collapsed into a single store write:
		require.Equal(t, 1, backend.WriteCount(1))
		got, err := backend.ReadPage(1)
		require.NoError(t, err)
		require.Equal(t, testutil.CreatePayload('b', 512), got)
	})
}

func TestDiskFlushPartialFailure(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, backend *store.MemoryStore) {
		for id := page.ID(1); id <= 3; id++ {
			require.NoError(t, tier.Stage(id, testutil.CreatePayload(byte(id), 512)))
		}

		backend.FailWrites(e.New("disk full"))

		flushed, err := tier.Flush(context.Background(), nil)
		require.Equal(t, 0, flushed)
		require.Error(t, err)

		fe, ok := err.(*FlushError)
		require.True(t, ok)
		require.Equal(t, []page.ID{1, 2, 3}, fe.Failed)

		// Nothing was dropped; everything is still served and retried.
		require.Equal(t, 3, tier.Len())
		_, ok = tier.Lookup(2)
		require.True(t, ok)

		backend.FailWrites(nil)
		flushed, err = tier.Flush(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, 3, flushed)
		require.Equal(t, 0, tier.Len())
	})
}

func TestDiskFlushDeadline(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, _ *store.MemoryStore) {
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('a', 512)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		flushed, err := tier.Flush(ctx, nil)
		require.Equal(t, 0, flushed)
		require.Error(t, err)
		require.Equal(t, context.Canceled, e.Cause(err))

		// The page survived the interrupted flush:
		require.Equal(t, 1, tier.Len())
	})
}

func TestDiskFlushPredicate(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, backend *store.MemoryStore) {
		for id := page.ID(1); id <= 4; id++ {
			require.NoError(t, tier.Stage(id, testutil.CreatePayload(byte(id), 512)))
		}

		flushed, err := tier.Flush(context.Background(), func(id page.ID) bool {
			return id%2 == 0
		})
		require.NoError(t, err)
		require.Equal(t, 2, flushed)
		require.Equal(t, 2, tier.Len())
		require.Equal(t, 2, backend.Len())
	})
}

func TestDiskDrop(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, backend *store.MemoryStore) {
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('a', 512)))
		tier.Drop(1)

		require.Equal(t, 0, tier.Len())
		require.Equal(t, int64(0), tier.CurrentBytes())

		// Dropping again must not underflow the accounting:
		tier.Drop(1)

		_, err := tier.Flush(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, 0, backend.Len())
	})
}

func TestDiskBackgroundFlush(t *testing.T) {
	opts := Options{MaxBytes: 256, FlushInterval: 25 * time.Millisecond}
	withTier(t, opts, func(tier *Tier, backend *store.MemoryStore) {
		tier.Start()

		// Well over MaxBytes; the pressure signal plus the ticker must
		// get this flushed without any explicit call.
		for id := page.ID(1); id <= 8; id++ {
			require.NoError(t, tier.Stage(id, testutil.CreatePayload(byte(id), 512)))
		}

		deadline := time.Now().Add(5 * time.Second)
		for backend.Len() < 8 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		require.Equal(t, 8, backend.Len())
		require.NoError(t, tier.Close())
	})
}

func TestDiskCloseFlushes(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, backend *store.MemoryStore) {
		tier.Start()
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('a', 512)))
		require.NoError(t, tier.Close())

		require.Equal(t, 1, backend.Len())
		require.Equal(t, 0, tier.Len())
	})
}

func TestDiskSetCapacityKeepsData(t *testing.T) {
	withTier(t, Options{MaxBytes: 1024 * 1024}, func(tier *Tier, _ *store.MemoryStore) {
		require.NoError(t, tier.Stage(1, testutil.CreatePayload('a', 512)))

		// Shrinking below the staged size never drops anything.
		require.NoError(t, tier.SetCapacity(16))
		require.Equal(t, 1, tier.Len())
		require.Equal(t, int64(16), tier.Capacity())
	})
}
