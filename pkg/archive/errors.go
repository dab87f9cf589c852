package archive

import (
	"errors"
	"fmt"
)

// Sentinel errors for archive operations.
var (
	// ErrDisabled indicates archiving is not configured.
	ErrDisabled = errors.New("workspace archiving disabled")

	// ErrWorkspaceNotFound indicates the workspace directory does not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("object store unavailable")
)

// ArchiveError wraps an object store failure with its bucket and key.
type ArchiveError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}
