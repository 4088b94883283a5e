package executor

import (
	"sync"
	"time"
)

// InFlight tracks which positions have a job executing in this process. The
// store enforces the same rule across processes; InFlight lets a batch defer
// a second job for a position without a round trip.
type InFlight struct {
	mu    sync.Mutex
	since map[string]time.Time
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{since: make(map[string]time.Time)}
}

// TryAcquire claims positionID. It returns false while another claim on the
// same position is held.
func (f *InFlight) TryAcquire(positionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.since[positionID]; busy {
		return false
	}
	f.since[positionID] = time.Now()
	return true
}

// Release drops the claim on positionID.
func (f *InFlight) Release(positionID string) {
	f.mu.Lock()
	delete(f.since, positionID)
	f.mu.Unlock()
}

// Len returns the number of positions currently claimed.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.since)
}
