package maintenance

import (
	"sync"
	"time"
)

// SwapClock holds the two process-wide timestamps spec.md §3/§9 keeps
// on the Maintenance record: latest_accepted_swap and
// latest_successful_swap. Maintenance owns the single instance; the
// answerer package only ever sees it through a borrowed pointer,
// matching spec.md §9's "keep them in a single owner; the answerer
// reads them through a borrowed reference." Guarded by a mutex since
// every connection's answerer goroutine can read and write it
// concurrently — the same guarded-shared-state shape as
// agent-tcp/agent.go's consensusMu, applied to two timestamps instead
// of a participant map.
type SwapClock struct {
	mu               sync.Mutex
	latestAccepted   time.Time
	latestSuccessful time.Time
}

// LatestAccepted returns the last time any connection's swap_request
// was accepted (SwapRequest's "latest_accepted_swap=now" step).
func (c *SwapClock) LatestAccepted() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestAccepted
}

// LatestSuccessful returns the last time an accepted swap actually
// completed a connect.
func (c *SwapClock) LatestSuccessful() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestSuccessful
}

// SetAccepted records a swap_request acceptance at t.
func (c *SwapClock) SetAccepted(t time.Time) {
	c.mu.Lock()
	c.latestAccepted = t
	c.mu.Unlock()
}

// SetSuccessful records a completed swap at t.
func (c *SwapClock) SetSuccessful(t time.Time) {
	c.mu.Lock()
	c.latestSuccessful = t
	c.mu.Unlock()
}

// RewindAccepted resets latest_accepted_swap back to t, the "on
// failure rewind latest_accepted_swap to latest_successful_swap" step.
func (c *SwapClock) RewindAccepted(t time.Time) {
	c.mu.Lock()
	c.latestAccepted = t
	c.mu.Unlock()
}

// Latest returns the more recent of the two timestamps, the hysteresis
// gate swap_request compares `now - Latest()` against swap_linger.
func (c *SwapClock) Latest() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestSuccessful.After(c.latestAccepted) {
		return c.latestSuccessful
	}
	return c.latestAccepted
}
