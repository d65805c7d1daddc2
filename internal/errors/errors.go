// Package errors provides the application error type shared by the CLI and
// the node status server.
//
// Errors carry a machine-readable code, an HTTP status for server responses
// and a foundry exit code for CLI termination. HTTP bodies are built from
// gofulmen error envelopes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// exitFailure is the generic non-zero exit status.
const exitFailure = 1

// AppError is an error with transport metadata attached.
type AppError struct {
	Code     string
	Message  string
	Status   int
	ExitCode int
	Details  map[string]any
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches structured context to the error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Envelope converts the error into a gofulmen error envelope.
func (e *AppError) Envelope(correlationID string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(e.Code, e.Message)
	if correlationID != "" {
		env = env.WithCorrelationID(correlationID)
	}
	if len(e.Details) > 0 {
		if withCtx, err := env.WithContext(e.Details); err == nil {
			env = withCtx
		}
	}
	return env
}

func NewInvalidArgumentError(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message, Status: http.StatusBadRequest, ExitCode: foundry.ExitInvalidArgument}
}

func NewConfigurationError(message string, err error) *AppError {
	return &AppError{Code: CodeConfiguration, Message: message, Status: http.StatusBadRequest, ExitCode: foundry.ExitInvalidArgument, Err: err}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound, ExitCode: foundry.ExitFileNotFound}
}

func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Message: message, Status: http.StatusMethodNotAllowed, ExitCode: foundry.ExitInvalidArgument}
}

func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Message: message, Status: http.StatusServiceUnavailable, ExitCode: foundry.ExitExternalServiceUnavailable}
}

func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Message: message, Status: http.StatusBadGateway, ExitCode: foundry.ExitExternalServiceUnavailable}
}

// WrapInternal wraps an unexpected failure. A cancelled context is reported
// as an interrupt.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	exit := exitFailure
	if ctx != nil && ctx.Err() != nil {
		exit = foundry.ExitSignalInt
	}
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, ExitCode: exit, Err: err}
}

// As extracts an AppError from err, wrapping unknown errors as internal.
func As(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return WrapInternal(nil, err, "internal error")
}

// HTTPErrorResponse is the JSON body written for failed requests.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the error object inside HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := As(err)

	var reqID string
	if r != nil {
		reqID = chimw.GetReqID(r.Context())
	}
	env := appErr.Envelope(reqID)

	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Details:   appErr.Details,
		RequestID: reqID,
	}})
}
