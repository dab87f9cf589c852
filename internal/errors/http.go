package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse is the JSON body of every API error.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody carries the error details.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// RespondWithError writes err as an HTTPErrorResponse.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)
	if appErr == nil {
		appErr = New(CodeInternal, http.StatusInternalServerError, "internal error")
	}
	WriteJSON(w, appErr.Status, HTTPErrorResponse{Error: HTTPErrorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID(w, r),
		Details:   appErr.Details,
	}})
}

// WriteJSON writes v with status as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
