package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock no longer held")

	// ErrInvalidInput rejects bad numeric arguments. Values are never clamped.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDataUnavailable means a price or bin set is missing, so no decision
	// can be made. It is not a fault.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrExecutionFailure marks an error raised by a job executor.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrFatalInfrastructure aborts the current cycle.
	ErrFatalInfrastructure = errors.New("fatal infrastructure failure")

	ErrCycleInProgress   = errors.New("cycle already in progress")
	ErrPositionBusy      = errors.New("position already has a job in flight")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNoExecutor        = errors.New("no executor registered for job type")
)
