// Package middleware holds the status server's HTTP middleware.
package middleware

import (
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/parsekit/internal/errors"
	"github.com/3leaps/parsekit/internal/observability"
)

// RequestIDHeader is read from incoming requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON error envelope written by these middlewares.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID attaches a request id to the context, honoring an incoming
// X-Request-ID header and generating one otherwise.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery converts handler panics into a 500 error envelope.
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

			requestID := apperrors.RequestIDFromContext(r.Context())
			logger().Error("Recovered from handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Any("panic", rec))

			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				env = env.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, statusCode int) {
	apperrors.WriteEnvelope(w, statusCode, env, "")
}

func logger() *zap.Logger {
	if observability.ServerLogger != nil {
		return observability.ServerLogger
	}
	return zap.NewNop()
}
