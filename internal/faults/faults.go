// Package faults defines the error taxonomy shared by the breaker, retry,
// queue, and worker layers. Callers classify failures with errors.Is/As.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrDependencyUnavailable is returned when a circuit breaker is open
	// and the call was rejected without touching the network.
	ErrDependencyUnavailable = errors.New("dependency unavailable: circuit open")

	// ErrNoContent indicates chapter text was empty after cleaning; the
	// speech dependency must not be called.
	ErrNoContent = errors.New("no content after text cleaning")

	// ErrStallTimeout marks a job whose worker stopped heartbeating.
	ErrStallTimeout = errors.New("job stalled: worker stopped reporting progress")

	// ErrDeferJob asks the queue to re-schedule the job instead of failing
	// it. Emitted by breakers configured with the queue fallback strategy.
	ErrDeferJob = errors.New("dependency unavailable: defer job")
)

// DependencyTimeout wraps a call that exceeded its per-dependency timeout.
type DependencyTimeout struct {
	Dependency string
	Err        error
}

func (e *DependencyTimeout) Error() string {
	return fmt.Sprintf("dependency %s timed out: %v", e.Dependency, e.Err)
}

func (e *DependencyTimeout) Unwrap() error { return e.Err }

// DependencyError wraps a non-2xx or application-level failure from an
// external service. StatusCode 0 means the failure happened before any
// HTTP status was received (connection refused, DNS, etc.).
type DependencyError struct {
	Dependency string
	StatusCode int
	Message    string
}

func (e *DependencyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dependency %s failed: status %d: %s", e.Dependency, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dependency %s failed: %s", e.Dependency, e.Message)
}

// ClientFault reports whether the error is a 4xx-equivalent failure that
// retrying cannot fix.
func (e *DependencyError) ClientFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// StorageError wraps an audio write or verification failure.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure at %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a dependency timeout.
func IsTimeout(err error) bool {
	var t *DependencyTimeout
	return errors.As(err, &t)
}

// IsClientFault reports whether err is a 4xx-equivalent dependency error.
func IsClientFault(err error) bool {
	var d *DependencyError
	return errors.As(err, &d) && d.ClientFault()
}
