package upstream

import (
	"context"
	"sync/atomic"
)

// gate bounds concurrent upstream calls for one account and tracks the
// in-flight count used by least-busy balancing.
//
// The in-flight counter is maintained even when no concurrency cap is
// set; the semaphore only exists for capped accounts.
type gate struct {
	sem      chan struct{}
	inFlight atomic.Int64
}

// newGate returns a gate with the given cap. limit <= 0 means counting
// only, no blocking.
func newGate(limit int) *gate {
	g := &gate{}
	if limit > 0 {
		g.sem = make(chan struct{}, limit)
	}
	return g
}

// acquire blocks until a slot is free or ctx is done. The in-flight
// count is incremented only on success.
func (g *gate) acquire(ctx context.Context) error {
	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.inFlight.Add(1)
	return nil
}

// release frees the slot taken by acquire. Must be called exactly once
// per successful acquire.
func (g *gate) release() {
	g.inFlight.Add(-1)
	if g.sem != nil {
		<-g.sem
	}
}

// InFlight returns the current number of in-flight upstream calls.
func (g *gate) InFlight() int64 {
	return g.inFlight.Load()
}
