package containerpool

import (
	"errors"
	"fmt"
)

// Sentinel errors for pool operations.
var (
	// ErrNotFound indicates the daemon has no such container.
	ErrNotFound = errors.New("container not found")

	// ErrStartFailed indicates a container could not be provisioned or never became ready.
	ErrStartFailed = errors.New("container start failed")

	// ErrInvalidRequest indicates a malformed acquisition request.
	ErrInvalidRequest = errors.New("invalid container request")
)

// PoolError wraps pool errors with context.
type PoolError struct {
	// Op is the step that failed (e.g., "run", "wait_running").
	Op string

	// ContainerID is the logical container id, if known.
	ContainerID string

	// Msg is a human readable explanation.
	Msg string

	// Err is the sentinel or underlying error.
	Err error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ContainerID, e.Msg)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ContainerID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// startFailed reports a provisioning failure. cause is kept reachable through
// errors.Is alongside ErrStartFailed.
func startFailed(op, containerID, msg string, cause error) error {
	err := ErrStartFailed
	if cause != nil {
		err = errors.Join(ErrStartFailed, cause)
	}
	return &PoolError{Op: op, ContainerID: containerID, Msg: msg, Err: err}
}

// IsNotFound returns true if the container does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStartFailed returns true if provisioning failed.
func IsStartFailed(err error) bool {
	return errors.Is(err, ErrStartFailed)
}
