package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/parsekit/internal/errors"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorBody {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "passes through",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			},
			status: http.StatusAccepted,
		},
		{
			name:    "string panic",
			handler: func(http.ResponseWriter, *http.Request) { panic("store vanished") },
			status:  http.StatusInternalServerError,
			message: "panic: store vanished",
		},
		{
			name:    "error panic",
			handler: func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			status:  http.StatusInternalServerError,
			message: "panic: " + assert.AnError.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
			})
			assert.Equal(t, tt.status, rec.Code)
			if tt.message == "" {
				return
			}
			body := decodeEnvelope(t, rec)
			assert.Equal(t, apperrors.CodeInternal, body.Code)
			assert.Equal(t, tt.message, body.Message)
		})
	}
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/events", nil))
	})
}

func TestErrorHandler_AliasesRecovery(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeInternal, decodeEnvelope(t, rec).Code)
}

func TestRequestID(t *testing.T) {
	t.Run("honors incoming header", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = apperrors.RequestIDFromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set(RequestIDHeader, "poll-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "poll-42", seen)
		assert.Equal(t, "poll-42", rec.Header().Get(RequestIDHeader))
	})

	t.Run("generates when missing", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = apperrors.RequestIDFromContext(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("flows into recovered envelope", func(t *testing.T) {
		h := RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("x") })))
		req := httptest.NewRequest(http.MethodGet, "/jobs/3", nil)
		req.Header.Set(RequestIDHeader, "req-3")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "req-3", decodeEnvelope(t, rec).RequestID)
	})
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		envelope *gferrors.ErrorEnvelope
		status   int
		wantID   string
	}{
		{
			name:     "plain",
			envelope: gferrors.NewErrorEnvelope(apperrors.CodeBadRequest, "unknown status"),
			status:   http.StatusBadRequest,
		},
		{
			name:     "with correlation id",
			envelope: gferrors.NewErrorEnvelope(apperrors.CodeNotFound, "job 9 not found").WithCorrelationID("req-9"),
			status:   http.StatusNotFound,
			wantID:   "req-9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.envelope, tt.status)

			require.Equal(t, tt.status, rec.Code)
			got := decodeEnvelope(t, rec)
			assert.NotEmpty(t, got.Code)
			assert.NotEmpty(t, got.Message)
			assert.Equal(t, tt.wantID, got.RequestID)
		})
	}
}

func TestWriteErrorResponse_KeepsContext(t *testing.T) {
	env, err := gferrors.NewErrorEnvelope(apperrors.CodeBadRequest, "unknown status").
		WithContext(map[string]interface{}{"status": "archived"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, env, http.StatusBadRequest)

	got := decodeEnvelope(t, rec)
	assert.Equal(t, apperrors.CodeBadRequest, got.Code)
	assert.Equal(t, "unknown status", got.Message)
	assert.Equal(t, "archived", got.Details["status"])
}
