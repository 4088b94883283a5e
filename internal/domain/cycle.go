package domain

import "time"

// Cycle stages, used to label per-item failures.
const (
	StagePrices  = "prices"
	StageMonitor = "monitor"
	StageSignals = "signals"
	StageRequeue = "requeue"
	StageExecute = "execute"
)

// ItemFailure is a failure local to one position, pool, or job.
type ItemFailure struct {
	Stage  string
	ItemID string
	Error  string
}

// CycleSummary reports what one keeper cycle did.
type CycleSummary struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       time.Time
	PricesRecorded   int
	PositionsChecked int
	PositionsSkipped int
	JobsCreated      int
	SignalsAccepted  int
	SignalsDiscarded int
	JobsReconciled   int
	JobsRequeued     int
	JobsCompleted    int
	JobsFailed       int
	JobsDeferred     int
	Failures         []ItemFailure
}

// Duration returns the wall-clock length of the cycle.
func (s CycleSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
