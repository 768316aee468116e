package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// OpResolveEndpoint is the TransportError.Op used when the base URL cannot
// be resolved from settings. No request was attempted.
const OpResolveEndpoint = "resolve endpoint"

var (
	// ErrUnknownStatus indicates a 2xx body whose status is not recognised.
	ErrUnknownStatus = errors.New("unknown response status")

	// ErrMissingResult indicates a completed response without a result.
	ErrMissingResult = errors.New("completed response has no result")

	// ErrHTTPStatus indicates a non-2xx reply.
	ErrHTTPStatus = errors.New("unexpected http status")
)

// TransportError is any failure to obtain a usable Response: network
// errors, timeouts, non-2xx replies and malformed bodies.
type TransportError struct {
	// Op is the exchange step that failed (e.g., "send", "decode response").
	Op string

	// StatusCode is the HTTP status for non-2xx replies, zero otherwise.
	StatusCode int

	// Detail is the service-provided error_detail, if any.
	Detail string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport: %s", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Description is the single best-effort string recorded as a job's error
// detail.
func (e *TransportError) Description() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.StatusCode != 0:
		return fmt.Sprintf("remote returned HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "transport failure during " + e.Op
	}
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsConfigError reports whether err means the client is not configured to
// reach the service at all, as opposed to a failed exchange.
func IsConfigError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Op == OpResolveEndpoint
}

// IsCanceled reports whether err was caused by context cancellation rather
// than by the remote side.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// IsNetwork reports whether err is a connection-level failure.
func IsNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// Describe returns the job error detail for any error returned by Process.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Description()
	}
	return err.Error()
}
