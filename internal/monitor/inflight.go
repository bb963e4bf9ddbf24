package monitor

import "sync"

// InFlight tracks the market IDs currently inside the resolution pipeline.
// It is shared between the streaming dispatch path and the sweeper and is
// the sole mechanism preventing duplicate resolution attempts when both
// paths observe the same market at the same moment.
type InFlight struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

// NewInFlight constructs an empty claim set.
func NewInFlight() *InFlight {
	return &InFlight{claims: make(map[string]struct{})}
}

// TryClaim atomically adds the market ID if absent and reports whether the
// claim succeeded. A failed claim means a resolution is already underway
// and the caller must skip.
func (f *InFlight) TryClaim(marketID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.claims[marketID]; held {
		return false
	}
	f.claims[marketID] = struct{}{}
	return true
}

// Release removes the claim. Releasing an unclaimed ID is a no-op; release
// on failure is what allows retry.
func (f *InFlight) Release(marketID string) {
	f.mu.Lock()
	delete(f.claims, marketID)
	f.mu.Unlock()
}

// Len reports the number of resolutions currently in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}
