package keeper

import "sync/atomic"

// CycleGuard is the process-wide "cycle in progress" flag. It never queues:
// a second caller is turned away while a cycle runs.
type CycleGuard struct {
	running atomic.Bool
}

// TryEnter sets the flag and reports whether the caller now owns the cycle.
func (g *CycleGuard) TryEnter() bool {
	return g.running.CompareAndSwap(false, true)
}

// Exit clears the flag.
func (g *CycleGuard) Exit() {
	g.running.Store(false)
}

// Running reports whether a cycle is in progress.
func (g *CycleGuard) Running() bool {
	return g.running.Load()
}
