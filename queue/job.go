package queue

import (
	"context"
	"errors"
)

// DefaultSmsRetries bounds the re-enqueue path for transient SMS send
// failures such as radio-off.
const DefaultSmsRetries = 15

// Parameters describe how the queue treats a job.
type Parameters struct {
	// GroupID serializes jobs: two jobs sharing a non-empty group id never
	// run concurrently and complete in submission order. An empty group id
	// means the job is independent.
	GroupID string

	// Requirements must all be present before the job is dispatched.
	// Unmet requirements park the job.
	Requirements []Requirement

	// Persistent jobs are recorded durably and replayed after a restart.
	// Persistence requires the job to implement Serializable.
	Persistent bool

	// MaxRetries bounds re-enqueues after retryable failures. Zero means
	// a single attempt.
	MaxRetries int
}

// Job is one durable unit of work. Run must not let a failure escape as
// anything but its error return; the queue converts errors to either a
// retry or the OnCanceled terminal handler.
type Job interface {
	Parameters() Parameters

	// Run performs the work. Return a value wrapped by Retryable to request
	// re-enqueueing; any other error is terminal.
	Run(ctx context.Context) error

	// OnCanceled converts the job to its terminal state. It must be
	// idempotent: partial side effects from Run may already exist.
	OnCanceled(ctx context.Context)
}

// Serializable jobs can round-trip through the durable job store.
type Serializable interface {
	// TypeTag identifies the job type for replay.
	TypeTag() string

	// Serialize captures the parameters needed to reconstruct the job.
	Serialize() ([]byte, error)
}

// Factory reconstructs a persisted job from its serialized parameters.
type Factory func(data []byte) (Job, error)

// retryableError marks a failure as eligible for re-enqueueing.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Retryable wraps a transient failure so the queue re-enqueues the job
// instead of canceling it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether an error requests re-enqueueing.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
