package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects the executor that runs a job.
type JobType string

const JobTypeRebalance JobType = "rebalance"

// JobTrigger records why the monitor created a job.
type JobTrigger string

const (
	TriggerRangeExit        JobTrigger = "range_exit"
	TriggerLowConcentration JobTrigger = "low_concentration"
	TriggerStopLoss         JobTrigger = "stop_loss"
	TriggerTakeProfit       JobTrigger = "take_profit"
	TriggerManual           JobTrigger = "manual"
)

// Job priorities. Higher runs first.
const (
	PriorityRebalance  = 7
	PriorityTakeProfit = 8
	PriorityStopLoss   = 10
)

// JobStatus is the state of a job in the scheduler's state machine.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// CanTransitionTo reports whether next is a legal successor of s.
//
//	pending    -> processing
//	processing -> completed | failed
//	failed     -> pending (retry)
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusFailed:
		return next == JobStatusPending
	default:
		return false
	}
}

// Job is a unit of scheduled keeper work. Only the scheduler mutates a job
// after creation, and only through JobStore.Transition.
type Job struct {
	ID           string
	Type         JobType
	Trigger      JobTrigger
	PositionID   string
	StrategyID   string
	Status       JobStatus
	Priority     int
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Result       JobResult
}

// Retryable reports whether a failed job still has retries left.
func (j Job) Retryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// Settled reports whether the job will never run again.
func (j Job) Settled() bool {
	return j.Status == JobStatusCompleted || (j.Status == JobStatusFailed && !j.Retryable())
}

// JobRequest is what the monitor submits; the queue fills in the rest.
type JobRequest struct {
	Type       JobType
	Trigger    JobTrigger
	PositionID string
	StrategyID string
	Priority   int
}

// JobTransition is an atomic compare-and-set on a job's status. The store
// applies it only when the job's current status equals From, and returns
// ErrInvalidTransition otherwise. A move to processing additionally fails
// with ErrPositionBusy while another job of the same position is processing.
type JobTransition struct {
	From           JobStatus
	To             JobStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	IncrementRetry bool
	Result         JobResult
}

// Validate checks the transition against the state machine.
func (t JobTransition) Validate() error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%s -> %s: %w", t.From, t.To, ErrInvalidTransition)
	}
	return nil
}

// JobResult is the typed outcome of a completed job, keyed by job type.
type JobResult interface {
	JobType() JobType
}

// RebalanceResult is the outcome of a rebalance job.
type RebalanceResult struct {
	BinSetID    string  `json:"bin_set_id"`
	LowerPrice  float64 `json:"lower_price"`
	UpperPrice  float64 `json:"upper_price"`
	BinCount    int     `json:"bin_count"`
	AnchorPrice float64 `json:"anchor_price"`
	TxSignature string  `json:"tx_signature,omitempty"`
	DryRun      bool    `json:"dry_run"`

	ImpermanentLossPct *float64      `json:"impermanent_loss_pct,omitempty"`
	Advisory           *AdvisoryNote `json:"advisory,omitempty"`
}

// AdvisoryNote is the newest accepted advisory signal for the pool at the
// time of a rebalance. It is informational only.
type AdvisoryNote struct {
	SignalID       string         `json:"signal_id"`
	Action         AdvisoryAction `json:"action"`
	Confidence     float64        `json:"confidence"`
	PredictedPrice float64        `json:"predicted_price"`
	Urgency        SignalUrgency  `json:"urgency"`
}

func (RebalanceResult) JobType() JobType { return JobTypeRebalance }

// EncodeJobResult serialises a result for storage. A nil result encodes to
// nil so the column stays NULL.
func EncodeJobResult(r JobResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// DecodeJobResult decodes a stored result for the given job type.
func DecodeJobResult(t JobType, raw []byte) (JobResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case JobTypeRebalance:
		var r RebalanceResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", t, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("decode result: unknown job type %q: %w", t, ErrInvalidInput)
	}
}
