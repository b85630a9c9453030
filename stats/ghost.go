package stats

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sahib/ballast/page"
)

// Ghost remembers the IDs of recently evicted pages, without payloads.
// A miss that lands in the ghost list means the tier evicted something
// it should have kept; the rebalancer reads this as "grow me".
// Same trick as the ghost lists of ARC, just used for sizing feedback
// instead of admission.
type Ghost struct {
	mu   sync.Mutex
	ids  *simplelru.LRU[page.ID, struct{}]
	tier *Tier
}

// NewGhost creates a ghost list keeping up to `size` evicted IDs,
// reporting ghost hits to `tier`.
func NewGhost(size int, tier *Tier) *Ghost {
	ids, err := simplelru.NewLRU[page.ID, struct{}](size, nil)
	if err != nil {
		// simplelru only errors on size < 1:
		panic("bug: ghost list size must be positive")
	}

	return &Ghost{ids: ids, tier: tier}
}

// Remember records an eviction.
func (g *Ghost) Remember(id page.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ids.Add(id, struct{}{})
}

// Touch checks a miss against the list. A hit is counted once and the
// ID forgotten, so re-fetch loops do not inflate the signal.
func (g *Ghost) Touch(id page.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ids.Contains(id) {
		return false
	}

	g.ids.Remove(id)
	if g.tier != nil {
		g.tier.GhostHit()
	}

	return true
}

// Len returns the number of remembered IDs.
func (g *Ghost) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.ids.Len()
}
