package campaign

import "errors"

var (
	// ErrInvalidInput is returned for missing recipients, accounts or malformed config
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an active job already claims the account for the action type
	ErrConflict = errors.New("conflict")

	// ErrCapacityExhausted is returned when recipients cannot be placed in any future window
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrNotFound is returned for unknown jobs, tasks or accounts
	ErrNotFound = errors.New("not found")

	// ErrJobNotLive is returned when a job was already archived
	ErrJobNotLive = errors.New("job is not live")

	// ErrTaskNotPending is returned when claiming or removing a task that already left pending
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrTaskNotClaimed is returned when recording an outcome for a task that is not processing
	ErrTaskNotClaimed = errors.New("task is not claimed")

	// ErrInvalidTransition is returned for job status changes outside the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDependencyFailure wraps failures of the external action provider
	ErrDependencyFailure = errors.New("dependency failure")
)
