// Package errors provides the application error type and the JSON error
// envelope returned by the status server. Envelopes are built with the
// gofulmen errors package and flattened into HTTPErrorResponse on the wire.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/parsekit/pkg/jobstore"
)

// Error codes used in HTTP error envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// ErrorBody is the error object inside an HTTPErrorResponse.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every non-2xx reply.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// AppError is an error carrying an HTTP status and a machine-readable code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for k, v := range details {
		out.Details[k] = v
	}
	return &out
}

// Envelope builds the gofulmen error envelope for e. Details travel as the
// envelope context.
func (e *AppError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(e.Details) > 0 {
		if withCtx, err := env.WithContext(e.Details); err == nil {
			env = withCtx
		}
	}
	return env
}

// Body converts e to an envelope body.
func (e *AppError) Body(requestID string) ErrorBody {
	return BodyFromEnvelope(e.Envelope(requestID), requestID)
}

// BodyFromEnvelope flattens env into the wire body. The envelope's JSON
// form is read so context and details both land in Details.
func BodyFromEnvelope(env *gferrors.ErrorEnvelope, requestID string) ErrorBody {
	body := ErrorBody{RequestID: requestID}
	if env == nil {
		return body
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return body
	}
	var wire struct {
		Code          string         `json:"code"`
		Message       string         `json:"message"`
		Details       map[string]any `json:"details"`
		Context       map[string]any `json:"context"`
		CorrelationID string         `json:"correlation_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return body
	}
	body.Code = wire.Code
	body.Message = wire.Message
	if body.RequestID == "" {
		body.RequestID = wire.CorrelationID
	}
	for _, m := range []map[string]any{wire.Details, wire.Context} {
		for k, v := range m {
			if body.Details == nil {
				body.Details = make(map[string]any, len(m))
			}
			body.Details[k] = v
		}
	}
	return body
}

// New creates an AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

func NewBadRequestError(message string) *AppError {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NewNotFoundError(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *AppError {
	return New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func NewExternalServiceError(message string) *AppError {
	return New(http.StatusBadGateway, CodeExternalService, message)
}

// WrapInternal wraps err as a 500. The request id from ctx, if any, is
// recorded in the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// FromError maps err onto an AppError. Store lookups that miss become 404s,
// invalid ids become 400s, anything else is a 500.
func FromError(ctx context.Context, err error) *AppError {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case jobstore.IsNotFound(err):
		return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "job not found", Err: err}
	case jobstore.IsInvalid(err):
		return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: err.Error(), Err: err}
	default:
		return WrapInternal(ctx, err, "internal error")
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(r.Context(), err)
	WriteJSON(w, appErr.Status, HTTPErrorResponse{Error: appErr.Body(RequestIDFromContext(r.Context()))})
}

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope, requestID string) {
	WriteJSON(w, status, HTTPErrorResponse{Error: BodyFromEnvelope(env, requestID)})
}

// WriteJSON writes resp with the given status.
func WriteJSON(w http.ResponseWriter, status int, resp HTTPErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
