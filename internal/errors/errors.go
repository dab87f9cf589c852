// Package errors maps domain errors onto API error codes and HTTP responses.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// Error codes returned in HTTPErrorResponse.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
	CodeConflict             = "CONFLICT"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeContainerStartFailed = "CONTAINER_START_FAILED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeExternalService      = "EXTERNAL_SERVICE_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

// AppError is an error with an API code and HTTP status.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// New creates an AppError.
func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// NewBadRequest reports a malformed request.
func NewBadRequest(message string) *AppError {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// NewMethodNotAllowed reports an unsupported method on a known route.
func NewMethodNotAllowed(message string) *AppError {
	return New(CodeMethodNotAllowed, http.StatusMethodNotAllowed, message)
}

// NewServiceUnavailable reports a dependency that is not ready.
func NewServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// NewExternalServiceError reports a failing external dependency.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, http.StatusBadGateway, message)
}

// WrapInternal wraps err as an internal error. A canceled context maps to
// SERVICE_UNAVAILABLE instead.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// FromError classifies err into an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var qe *runqueue.QueueError
	msg := err.Error()
	if errors.As(err, &qe) {
		msg = qe.Message()
	}

	switch {
	case runqueue.IsInvalidArgument(err):
		return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: msg, Err: err}
	case runqueue.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: msg, Err: err}
	case runqueue.IsForbidden(err):
		return &AppError{Code: CodeForbidden, Status: http.StatusForbidden, Message: msg, Err: err}
	case runqueue.IsConflict(err):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: msg, Err: err}
	case errors.Is(err, containerpool.ErrInvalidRequest):
		return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case containerpool.IsStartFailed(err):
		return &AppError{Code: CodeContainerStartFailed, Status: http.StatusBadGateway, Message: err.Error(), Err: err}
	case containerpool.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, archive.ErrDisabled):
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: err.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "request canceled or timed out", Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
}
