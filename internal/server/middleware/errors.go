// Package middleware holds the HTTP middleware chain shared by all routes.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/agentdock/internal/errors"
	"github.com/3leaps/agentdock/internal/observability"
)

// ErrorResponse is the JSON error body written by middleware.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody mirrors apperrors.HTTPErrorBody.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recovery turns panics into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := GetRequestID(r.Context())
			observability.CLILogger.Error("Recovered from panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// envelopeFields is the wire form of a gofulmen error envelope.
type envelopeFields struct {
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id"`
	Details       map[string]interface{} `json:"details"`
	Context       map[string]interface{} `json:"context"`
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	var fields envelopeFields
	if raw, err := json.Marshal(envelope); err == nil {
		_ = json.Unmarshal(raw, &fields)
	}
	if fields.Code == "" {
		fields.Code = apperrors.CodeInternal
	}
	if fields.CorrelationID == "" {
		fields.CorrelationID = w.Header().Get(apperrors.RequestIDHeader)
	}

	details := fields.Details
	if len(fields.Context) > 0 {
		if details == nil {
			details = make(map[string]interface{}, len(fields.Context))
		}
		for k, v := range fields.Context {
			details[k] = v
		}
	}

	apperrors.WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      fields.Code,
		Message:   fields.Message,
		RequestID: fields.CorrelationID,
		Details:   details,
	}})
}
