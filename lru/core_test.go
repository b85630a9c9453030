package lru

import (
	"testing"

	e "github.com/pkg/errors"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/util/testutil"
	"github.com/stretchr/testify/require"
)

// entrySize is what one test entry with a 36 byte payload costs.
const entrySize = 36 + page.Overhead

func payload(tag byte) []byte {
	return testutil.CreatePayload(tag, 36)
}

func withCore(t *testing.T, maxEntries int, opts Options, fn func(c *Core)) {
	fn(New(int64(maxEntries)*entrySize, opts))
}

func TestCoreGetPut(t *testing.T) {
	withCore(t, 4, Options{}, func(c *Core) {
		_, ok := c.Get(1)
		require.False(t, ok)

		require.NoError(t, c.Put(1, payload('a'), false))
		ent, ok := c.Get(1)
		require.True(t, ok)
		require.Equal(t, payload('a'), ent.Payload)
		require.False(t, ent.Dirty)

		require.Equal(t, 1, c.Len())
		require.Equal(t, int64(entrySize), c.CurrentBytes())
	})
}

func TestCoreEvictsLeastRecentlyUsed(t *testing.T) {
	withCore(t, 2, Options{}, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), false))
		require.NoError(t, c.Put(2, payload('b'), false))

		// Touch 1 so that 2 becomes the victim.
		_, ok := c.Get(1)
		require.True(t, ok)

		require.NoError(t, c.Put(3, payload('c'), false))
		require.Equal(t, 2, c.Len())

		_, ok = c.Peek(2)
		require.False(t, ok)
		_, ok = c.Peek(1)
		require.True(t, ok)
		_, ok = c.Peek(3)
		require.True(t, ok)
	})
}

func TestCoreUpdateKeepsDirty(t *testing.T) {
	withCore(t, 4, Options{}, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), true))
		require.NoError(t, c.Put(1, payload('b'), false))

		ent, ok := c.Peek(1)
		require.True(t, ok)
		require.True(t, ent.Dirty)
		require.Equal(t, payload('b'), ent.Payload)

		// Still only one entry accounted:
		require.Equal(t, int64(entrySize), c.CurrentBytes())
	})
}

func TestCoreShrinkEvicts(t *testing.T) {
	evicted := []page.ID{}
	opts := Options{
		OnEvict: func(id page.ID) {
			evicted = append(evicted, id)
		},
	}

	withCore(t, 4, opts, func(c *Core) {
		for id := page.ID(1); id <= 4; id++ {
			require.NoError(t, c.Put(id, payload(byte(id)), false))
		}

		require.NoError(t, c.SetCapacity(2*entrySize))
		require.Equal(t, 2, c.Len())
		require.Equal(t, []page.ID{1, 2}, evicted)

		// Growing back does not resurrect anything.
		require.NoError(t, c.SetCapacity(4*entrySize))
		require.Equal(t, 2, c.Len())
	})
}

func TestCoreVictimTieBreak(t *testing.T) {
	withCore(t, 4, Options{}, func(c *Core) {
		require.NoError(t, c.Put(7, payload('a'), false))
		require.NoError(t, c.Put(3, payload('b'), false))

		// Force identical recency; the lower ID must go first.
		for _, id := range []page.ID{7, 3} {
			ent, ok := c.Peek(id)
			require.True(t, ok)
			ent.Tick = 0
		}

		require.NoError(t, c.SetCapacity(entrySize))
		_, ok := c.Peek(3)
		require.False(t, ok)
		_, ok = c.Peek(7)
		require.True(t, ok)
	})
}

func TestCorePinnedEntriesStay(t *testing.T) {
	withCore(t, 2, Options{}, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), false))
		ent, ok := c.Peek(1)
		require.True(t, ok)
		ent.Pin()

		require.NoError(t, c.Put(2, payload('b'), false))
		require.NoError(t, c.Put(3, payload('c'), false))

		// 1 was least recently used, but 2 had to go instead.
		_, ok = c.Peek(1)
		require.True(t, ok)
		_, ok = c.Peek(2)
		require.False(t, ok)

		// With everything pinned, shrinking leaves the core over its
		// bound instead of dropping a pinned entry:
		ent3, ok := c.Peek(3)
		require.True(t, ok)
		ent3.Pin()

		require.NoError(t, c.SetCapacity(entrySize))
		require.True(t, c.CurrentBytes() > c.Capacity())

		// Releasing a pin lets the next access shrink again.
		ent3.Unpin()
		require.NoError(t, c.Put(4, payload('d'), false))
		require.True(t, c.CurrentBytes() <= c.Capacity())
	})
}

func TestCoreDirtyWriteBack(t *testing.T) {
	written := map[page.ID]int{}
	opts := Options{
		WriteBack: func(ent *page.Entry) error {
			written[ent.ID]++
			return nil
		},
	}

	withCore(t, 1, opts, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), true))
		require.NoError(t, c.Put(2, payload('b'), false))

		require.Equal(t, 1, written[page.ID(1)])
		_, ok := c.Peek(1)
		require.False(t, ok)
	})
}

func TestCoreWriteBackFailureRetains(t *testing.T) {
	broken := e.New("tier below is full")
	opts := Options{
		WriteBack: func(ent *page.Entry) error {
			return broken
		},
	}

	withCore(t, 1, opts, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), true))

		err := c.Put(2, payload('b'), false)
		require.Error(t, err)
		require.Equal(t, ErrWriteBack, e.Cause(err))

		// The dirty victim is still there, still dirty:
		ent, ok := c.Peek(1)
		require.True(t, ok)
		require.True(t, ent.Dirty)

		// Resizing to the same bound is a no-op and must not retry:
		require.NoError(t, c.SetCapacity(c.Capacity()))
	})
}

func TestCoreDrainDirty(t *testing.T) {
	withCore(t, 4, Options{}, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), true))
		require.NoError(t, c.Put(2, payload('b'), false))
		require.NoError(t, c.Put(3, payload('c'), true))

		drained := map[page.ID]bool{}
		require.NoError(t, c.DrainDirty(func(ent *page.Entry) error {
			drained[ent.ID] = true
			return nil
		}))

		require.Equal(t, map[page.ID]bool{1: true, 3: true}, drained)

		// Everything stays resident, but nothing is dirty anymore.
		require.Equal(t, 3, c.Len())
		require.NoError(t, c.DrainDirty(func(ent *page.Entry) error {
			t.Fatalf("%s was drained twice", ent.ID)
			return nil
		}))
	})
}

func TestCoreRemove(t *testing.T) {
	withCore(t, 4, Options{}, func(c *Core) {
		require.NoError(t, c.Put(1, payload('a'), true))
		require.True(t, c.Remove(1))
		require.False(t, c.Remove(1))
		require.Equal(t, int64(0), c.CurrentBytes())
	})
}
