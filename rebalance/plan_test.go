package rebalance

import (
	"math/rand"
	"testing"

	"github.com/sahib/ballast/stats"
	"github.com/stretchr/testify/require"
)

func snapsFor(local, shared, disk stats.TierStats) []stats.TierStats {
	local.Name = "local"
	shared.Name = "shared"
	disk.Name = "disk"
	return []stats.TierStats{local, shared, disk}
}

func TestPlanEvenSplitWithoutSignal(t *testing.T) {
	plan := ComputePlan(snapsFor(
		stats.TierStats{},
		stats.TierStats{},
		stats.TierStats{},
	), 3000, 100)

	for _, alloc := range plan {
		require.Equal(t, int64(1000), alloc.Bytes, alloc.Name)
	}
}

func TestPlanFloorsAndBudgetAlwaysHold(t *testing.T) {
	rng := rand.New(rand.NewSource(0xba11a57))

	for round := 0; round < 1000; round++ {
		budget := int64(rng.Intn(1 << 20))
		floor := int64(rng.Intn(1 << 16))

		randomTier := func() stats.TierStats {
			return stats.TierStats{
				Hits:      float64(rng.Intn(1000)),
				Misses:    float64(rng.Intn(1000)),
				Reads:     float64(rng.Intn(1000)),
				Writes:    float64(rng.Intn(1000)),
				GhostHits: float64(rng.Intn(100)),
			}
		}

		plan := ComputePlan(
			snapsFor(randomTier(), randomTier(), randomTier()),
			budget, floor,
		)

		require.True(t, plan.Total() <= budget,
			"round %d: plan %v exceeds budget %d", round, plan, budget)

		wantFloor := floor
		if floor*3 > budget {
			wantFloor = budget / 3
		}

		for _, alloc := range plan {
			require.True(t, alloc.Bytes >= wantFloor,
				"round %d: %v below floor %d", round, alloc, wantFloor)
		}
	}
}

func TestPlanGhostHitsGrowTier(t *testing.T) {
	// The shared tier keeps missing pages it just evicted; it must be
	// granted more than the idle local tier.
	plan := ComputePlan(snapsFor(
		stats.TierStats{Hits: 50, Misses: 50, Reads: 100},
		stats.TierStats{Hits: 50, Misses: 50, Reads: 100, GhostHits: 40},
		stats.TierStats{},
	), 10000, 100)

	require.True(t, plan.Bytes("shared") > plan.Bytes("local"))
	require.True(t, plan.Bytes("shared") > plan.Bytes("disk"))
}

func TestPlanWriteHeavyGrowsDisk(t *testing.T) {
	readHeavy := ComputePlan(snapsFor(
		stats.TierStats{Hits: 80, Misses: 20, Reads: 950, Writes: 50},
		stats.TierStats{Hits: 80, Misses: 20, Reads: 950, Writes: 50},
		stats.TierStats{Hits: 10, Misses: 90, Reads: 100},
	), 10000, 100)

	writeHeavy := ComputePlan(snapsFor(
		stats.TierStats{Hits: 80, Misses: 20, Reads: 50, Writes: 950},
		stats.TierStats{Hits: 80, Misses: 20, Reads: 50, Writes: 950},
		stats.TierStats{Hits: 10, Misses: 90, Writes: 100},
	), 10000, 100)

	require.True(t, writeHeavy.Bytes("disk") > readHeavy.Bytes("disk"))
}

func TestPlanReadHeavyConvergence(t *testing.T) {
	// Read-heavy workload with the shared tier's hit rate rising round
	// over round: its share must grow strictly until convergence while
	// the disk tier never drops below its floor.
	const budget, floor = 1000, 100

	prevShared := int64(0)
	for round := 0; round < 8; round++ {
		sharedHits := 30.0 + 10.0*float64(round)

		plan := ComputePlan(snapsFor(
			stats.TierStats{Hits: 20, Misses: 80, Reads: 95, Writes: 5},
			stats.TierStats{Hits: sharedHits, Misses: 100 - sharedHits, Reads: 95, Writes: 5},
			stats.TierStats{Hits: 5, Misses: 95, Reads: 95, Writes: 5},
		), budget, floor)

		shared := plan.Bytes("shared")
		require.True(t, shared > prevShared,
			"round %d: shared share %d did not grow past %d", round, shared, prevShared)
		require.True(t, plan.Bytes("disk") >= floor)
		require.True(t, plan.Total() <= budget)

		prevShared = shared
	}
}

func TestPlanUnknownTier(t *testing.T) {
	plan := ComputePlan(snapsFor(
		stats.TierStats{}, stats.TierStats{}, stats.TierStats{},
	), 3000, 100)

	require.Equal(t, int64(-1), plan.Bytes("l2arc"))
	require.Nil(t, ComputePlan(nil, 3000, 100))
}
