package gateway

import (
	"sync"
	"time"
)

// accountState is the per-account circuit breaker state.
type accountState struct {
	consecutiveFailures int
	circuitOpenUntil    time.Time
	lastError           string
}

// healthTracker keeps circuit breaker state per account. A circuit
// opens after a threshold of consecutive failures and closes again
// after the cool-down; a single success resets everything.
type healthTracker struct {
	mu     sync.Mutex
	states map[string]*accountState
	now    func() time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		states: make(map[string]*accountState),
		now:    time.Now,
	}
}

func (h *healthTracker) state(accountID string) *accountState {
	st, ok := h.states[accountID]
	if !ok {
		st = &accountState{}
		h.states[accountID] = st
	}
	return st
}

// recordSuccess closes the circuit and clears the failure streak.
func (h *healthTracker) recordSuccess(accountID string) {
	if accountID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(accountID)
	st.consecutiveFailures = 0
	st.circuitOpenUntil = time.Time{}
	st.lastError = ""
}

// recordFailure bumps the failure streak and opens the circuit once the
// streak reaches threshold. threshold <= 0 disables circuit opening but
// still tracks the streak for diagnostics.
func (h *healthTracker) recordFailure(accountID, errText string, threshold int, coolDown time.Duration) {
	if accountID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(accountID)
	st.consecutiveFailures++
	st.lastError = errText
	if threshold > 0 && st.consecutiveFailures >= threshold {
		st.circuitOpenUntil = h.now().Add(coolDown)
	}
}

// available reports whether the account's circuit is closed.
func (h *healthTracker) available(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[accountID]
	if !ok {
		return true
	}
	return !h.now().Before(st.circuitOpenUntil)
}

// snapshot returns the current state for diagnostics.
func (h *healthTracker) snapshot(accountID string) (failures int, openFor time.Duration, lastError string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[accountID]
	if !ok {
		return 0, 0, ""
	}
	openFor = st.circuitOpenUntil.Sub(h.now())
	if openFor < 0 {
		openFor = 0
	}
	return st.consecutiveFailures, openFor, st.lastError
}

// reset drops all state, used on config swaps.
func (h *healthTracker) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = make(map[string]*accountState)
}
