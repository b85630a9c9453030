package stats

import (
	"testing"

	"github.com/sahib/ballast/page"
	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshotDecay(t *testing.T) {
	// Decay of 0.5 keeps the arithmetic checkable by hand.
	collector := NewCollector(0.5)
	tier := collector.Register("local", func() (int64, int64) {
		return 100, 200
	})

	for i := 0; i < 8; i++ {
		tier.Hit()
		tier.Read()
	}
	for i := 0; i < 4; i++ {
		tier.Miss()
	}
	tier.Write()
	tier.WriteBackFailure()
	tier.WriteBackFailure()

	snap := collector.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "local", snap[0].Name)
	require.Equal(t, 8.0, snap[0].Hits)
	require.Equal(t, 4.0, snap[0].Misses)
	require.Equal(t, 8.0, snap[0].Reads)
	require.Equal(t, 1.0, snap[0].Writes)
	require.Equal(t, 2.0, snap[0].WriteBackFailures)
	require.Equal(t, int64(100), snap[0].CurrentSize)
	require.Equal(t, int64(200), snap[0].Capacity)

	// No new traffic; the next snapshot halves everything.
	snap = collector.Snapshot()
	require.Equal(t, 4.0, snap[0].Hits)
	require.Equal(t, 2.0, snap[0].Misses)
	require.Equal(t, 1.0, snap[0].WriteBackFailures)

	// New traffic lands on top of the decayed base.
	tier.Hit()
	snap = collector.Snapshot()
	require.Equal(t, 3.0, snap[0].Hits)
}

func TestCollectorLastDoesNotDecay(t *testing.T) {
	collector := NewCollector(0.5)
	tier := collector.Register("shared", nil)

	tier.Hit()
	tier.Hit()

	snap := collector.Snapshot()
	require.Equal(t, 2.0, snap[0].Hits)

	// Observers reading Last() must not advance the accounting.
	for i := 0; i < 10; i++ {
		last := collector.Last()
		require.Equal(t, 2.0, last[0].Hits)
	}

	snap = collector.Snapshot()
	require.Equal(t, 1.0, snap[0].Hits)
}

func TestCollectorBadDecayPanics(t *testing.T) {
	require.Panics(t, func() { NewCollector(0) })
	require.Panics(t, func() { NewCollector(1) })
	require.Panics(t, func() { NewCollector(-0.5) })
}

func TestTierStatsHitRate(t *testing.T) {
	require.Equal(t, 0.0, TierStats{}.HitRate())
	require.Equal(t, 0.75, TierStats{Hits: 3, Misses: 1}.HitRate())
}

func TestTierLeakedDirtyIsSticky(t *testing.T) {
	collector := NewCollector(0.5)
	tier := collector.Register("local", nil)

	tier.LeakedDirty(3)

	// Leaks are a recovery flag and must survive any number of
	// snapshots undecayed.
	for i := 0; i < 5; i++ {
		snap := collector.Snapshot()
		require.Equal(t, int64(3), snap[0].LeakedDirty)
	}
}

func TestGhostTouchCountsOnce(t *testing.T) {
	collector := NewCollector(0.5)
	tier := collector.Register("shared", nil)
	ghost := NewGhost(4, tier)

	require.False(t, ghost.Touch(1))

	ghost.Remember(1)
	require.Equal(t, 1, ghost.Len())

	require.True(t, ghost.Touch(1))
	require.False(t, ghost.Touch(1))

	snap := collector.Snapshot()
	require.Equal(t, 1.0, snap[0].GhostHits)
}

func TestGhostBounded(t *testing.T) {
	ghost := NewGhost(4, nil)
	for id := page.ID(1); id <= 100; id++ {
		ghost.Remember(id)
	}

	require.Equal(t, 4, ghost.Len())
}
