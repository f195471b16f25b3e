package gateway

import (
	"strings"
	"sync"
)

// balancer implements the pooled-route selection strategies. Round
// robin cursors are keyed by the route's full candidate list so two
// routes over the same pool advance independently of health filtering.
type balancer struct {
	mu      sync.Mutex
	cursors map[string]int
}

func newBalancer() *balancer {
	return &balancer{cursors: make(map[string]int)}
}

// pickRoundRobin selects from pool using the cursor for the unfiltered
// candidate list. The cursor advances by one per call regardless of how
// the pool was filtered, preserving rotation fairness across transient
// exclusions.
func (b *balancer) pickRoundRobin(candidates, pool []string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.Join(candidates, ",")
	start := b.cursors[key]
	picked := pool[start%len(pool)]
	b.cursors[key] = (start + 1) % len(pool)
	return picked
}

// pickLeastBusy selects the pool entry with the fewest in-flight calls,
// first in scan order on ties.
func pickLeastBusy(pool []string, inFlight func(string) int64) string {
	best := pool[0]
	bestN := inFlight(pool[0])
	for _, id := range pool[1:] {
		if n := inFlight(id); n < bestN {
			best, bestN = id, n
		}
	}
	return best
}

// reset drops all cursors, used on config swaps.
func (b *balancer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors = make(map[string]int)
}
