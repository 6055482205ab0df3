package adapter

import (
	"errors"
	"fmt"
)

// Lifecycle errors.
var (
	// ErrNotStarted is returned for operations before Start succeeded.
	ErrNotStarted = errors.New("adapter not started")

	// ErrAlreadyStarted is returned when Start is called on a manager
	// whose adapter is still live. A terminated manager rejects Start
	// with ErrAdapterUnavailable instead.
	ErrAlreadyStarted = errors.New("adapter already started")

	// ErrAdapterUnavailable marks the adapter dead for the rest of the
	// invocation: its process exited, its channel broke, or a call timed
	// out. Every subsequent operation fails fast with it.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)

// SpawnError reports that the adapter executable could not be launched.
// Spawning is never retried.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn adapter %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// CapabilityError reports an operation the adapter did not declare support
// for. Raised before anything touches the wire.
type CapabilityError struct {
	Method     string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("adapter does not declare the %s capability required by %s", e.Capability, e.Method)
}
