// Package rebalance periodically re-partitions the total memory budget
// over the cache tiers, based on the decayed workload counters.
package rebalance

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sahib/ballast/stats"
)

// ghostWeight rates a ghost hit higher than a plain hit: it is direct
// evidence that the tier evicted something it still needed.
const ghostWeight = 2.0

// Allocation is the planned capacity of one tier.
type Allocation struct {
	Name  string
	Bytes int64
}

func (a Allocation) String() string {
	return fmt.Sprintf("%s=%s", a.Name, humanize.Bytes(uint64(a.Bytes)))
}

// CapacityPlan is the output of one rebalancing round, in tier apply
// order. The sum of all allocations never exceeds the budget and no
// allocation drops below the floor.
type CapacityPlan []Allocation

// Bytes returns the planned capacity for `name`, or -1 if unknown.
func (cp CapacityPlan) Bytes(name string) int64 {
	for _, alloc := range cp {
		if alloc.Name == name {
			return alloc.Bytes
		}
	}

	return -1
}

// Total sums all allocations.
func (cp CapacityPlan) Total() int64 {
	var sum int64
	for _, alloc := range cp {
		sum += alloc.Bytes
	}

	return sum
}

// ComputePlan derives the next capacity split from a stats snapshot.
//
// Every tier gets its floor; what remains of the budget is spread
// proportionally to a score built from the tier's hit rate and its
// ghost-hit rate. The disk tier's score additionally grows with the
// overall write ratio, so write-heavy phases get a deeper staging
// buffer. With no signal at all the spread is split evenly.
func ComputePlan(snaps []stats.TierStats, budget, floor int64) CapacityPlan {
	if len(snaps) == 0 {
		return nil
	}

	n := int64(len(snaps))
	if floor*n > budget {
		// Floors must always be servable; shrink them evenly if the
		// budget cannot carry the configured value.
		floor = budget / n
	}

	spread := budget - floor*n

	var reads, writes float64
	for _, ts := range snaps {
		reads += ts.Reads
		writes += ts.Writes
	}

	writeRatio := 0.0
	if reads+writes > 0 {
		writeRatio = writes / (reads + writes)
	}

	scores := make([]float64, len(snaps))
	total := 0.0
	for i, ts := range snaps {
		probes := ts.Hits + ts.Misses
		if probes > 0 {
			scores[i] = ts.Hits/probes + ghostWeight*ts.GhostHits/probes
		}

		if ts.Name == "disk" {
			scores[i] += writeRatio
		}

		total += scores[i]
	}

	plan := make(CapacityPlan, 0, len(snaps))
	for i, ts := range snaps {
		frac := 1.0 / float64(len(snaps))
		if total > 0 {
			frac = scores[i] / total
		}

		plan = append(plan, Allocation{
			Name:  ts.Name,
			Bytes: floor + int64(frac*float64(spread)),
		})
	}

	return plan
}
