// Package domain provides the planning task model, action/embedding types and
// domain level errors shared by services and adapters.
package domain

import "errors"

var (
	// ErrTaskNotFound is returned when a task id is unknown to the registry.
	ErrTaskNotFound = errors.New("task not found")

	// ErrImageResolution means a referenced image upload could not be
	// resolved. It fails the task before any worker dispatch.
	ErrImageResolution = errors.New("image reference could not be resolved")

	// ErrOracleUnavailable means the embedding oracle (model) could not be
	// acquired. The task is surfaced as failed.
	ErrOracleUnavailable = errors.New("embedding oracle unavailable")

	// ErrEvaluation wraps an oracle failure raised during scoring. It aborts
	// the current task as failed, carrying the underlying message.
	ErrEvaluation = errors.New("action evaluation failed")

	// ErrCancelled marks cooperative cancellation observed mid-run. It is a
	// distinct terminal outcome, not a failure.
	ErrCancelled = errors.New("task cancelled")
)
