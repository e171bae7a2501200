// Package errors defines the error envelope and the HTTP wire shape every
// handler and middleware responds with.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/freqops/freqops/pkg/bots"
	"github.com/freqops/freqops/pkg/dispatch"
	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/task"
)

// Error codes carried on the wire and into logs.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeExecution          = "EXECUTION_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeNotFound           = "NOT_FOUND"
	CodeTransport          = "TRANSPORT_ERROR"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInternal           = "INTERNAL_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorEnvelope is the internal error shape before it is written to the
// wire.
type ErrorEnvelope struct {
	Code    string
	Message string
	Details map[string]any
}

// NewErrorEnvelope builds an envelope with a code and message.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: message}
}

// WithDetails attaches structured context to the envelope.
func (e *ErrorEnvelope) WithDetails(details map[string]any) *ErrorEnvelope {
	e.Details = details
	return e
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the nested error object on the wire.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Classify maps a domain error to its HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case stderrors.Is(err, task.ErrNotFound), stderrors.Is(err, bots.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, dispatch.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case stderrors.Is(err, task.ErrInvalidTransition), stderrors.Is(err, task.ErrNotTerminal):
		return http.StatusConflict, CodeInvalidTransition
	case stderrors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case stderrors.Is(err, eventbus.ErrTransport):
		return http.StatusBadGateway, CodeTransport
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError classifies err and writes the JSON envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	WriteEnvelope(w, r, status, NewErrorEnvelope(code, err.Error()))
}

// WriteEnvelope writes one envelope as the HTTP error body, stamping the
// request id from the request context.
func WriteEnvelope(w http.ResponseWriter, r *http.Request, status int, envelope *ErrorEnvelope) {
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:    envelope.Code,
		Message: envelope.Message,
		Details: envelope.Details,
	}}
	if r != nil {
		body.Error.RequestID = chimiddleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
