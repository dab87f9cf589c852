package runqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue operations.
var (
	// ErrInvalidArgument indicates a malformed or semantically invalid request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the run, session or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the caller does not own the run or session.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates a concurrent writer changed the run first.
	ErrConflict = errors.New("conflict")
)

// QueueError wraps queue errors with context.
type QueueError struct {
	// Op is the operation that failed (e.g., "StartRun").
	Op string

	// RunID is the run involved, if any.
	RunID string

	// SessionID is the session involved, if any.
	SessionID string

	// Msg is a human readable explanation.
	Msg string

	// Err is the sentinel or underlying error.
	Err error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	subject := ""
	switch {
	case e.RunID != "":
		subject = " run " + e.RunID
	case e.SessionID != "":
		subject = " session " + e.SessionID
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s%s: %s", e.Op, subject, e.Msg)
	}
	return fmt.Sprintf("%s%s: %v", e.Op, subject, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueueError) Unwrap() error {
	return e.Err
}

// Message returns the client-facing explanation.
func (e *QueueError) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op
}

func invalid(op, format string, args ...any) error {
	return &QueueError{Op: op, Msg: fmt.Sprintf(format, args...), Err: ErrInvalidArgument}
}

func runNotFound(op, runID string) error {
	return &QueueError{Op: op, RunID: runID, Msg: "run not found: " + runID, Err: ErrNotFound}
}

func forbidden(op, runID, msg string) error {
	return &QueueError{Op: op, RunID: runID, Msg: msg, Err: ErrForbidden}
}

// IsInvalidArgument returns true if the request was rejected as malformed.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsNotFound returns true if the referenced entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsForbidden returns true if the caller lacks ownership.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConflict returns true if a concurrent update won.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
