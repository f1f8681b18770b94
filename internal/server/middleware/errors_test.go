package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/jobwatch/internal/errors"
)

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRecovery_PassesThroughWithoutPanic(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"j1"}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/j1/track", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"j1"}`, rec.Body.String())
}

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		wantMsg string
	}{
		{name: "string", value: "tracker exploded", wantMsg: "panic: tracker exploded"},
		{name: "error", value: assert.AnError, wantMsg: "panic: " + assert.AnError.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			}))

			rec := httptest.NewRecorder()
			require.NotPanics(t, func() {
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil))
			})

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			resp := decodeErrorResponse(t, rec)
			assert.Equal(t, apperrors.CodeInternal, resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
			assert.Equal(t, http.MethodGet, resp.Error.Details["method"])
			assert.Equal(t, "/v1/jobs/j1", resp.Error.Details["path"])
		})
	}
}

func TestRecovery_RepanicsOnAbortHandler(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	})
}

func TestRecovery_EchoesRequestID(t *testing.T) {
	handler := RequestID(ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("download failed")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/img-1/results/0", nil)
	req.Header.Set(apperrors.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(apperrors.RequestIDHeader))
	assert.Equal(t, "req-42", decodeErrorResponse(t, rec).Error.RequestID)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(apperrors.RequestIDHeader)
	}))

	t.Run("generated when missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err, "generated id %q", seen)
		assert.Equal(t, seen, rec.Header().Get(apperrors.RequestIDHeader))
	})

	t.Run("client value kept", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		req.Header.Set(apperrors.RequestIDHeader, "client-7")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "client-7", seen)
		assert.Equal(t, "client-7", rec.Header().Get(apperrors.RequestIDHeader))
	})
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	status := http.StatusAccepted
	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events/status", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	status = http.StatusBadGateway
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusAccepted), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "/v1/jobs", entries[1].ContextMap()["path"])
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		envelope   *errors.ErrorEnvelope
		statusCode int
		wantCode   string
		wantMsg    string
		wantReqID  string
	}{
		{
			name:       "malformed status payload",
			envelope:   errors.NewErrorEnvelope(apperrors.CodeMalformedPayload, "status payload has no ID"),
			statusCode: http.StatusBadRequest,
			wantCode:   apperrors.CodeMalformedPayload,
			wantMsg:    "status payload has no ID",
		},
		{
			name:       "job still running",
			envelope:   errors.NewErrorEnvelope(apperrors.CodeConflict, "job is not done"),
			statusCode: http.StatusConflict,
			wantCode:   apperrors.CodeConflict,
			wantMsg:    "job is not done",
		},
		{
			name: "remote offline with correlation",
			envelope: errors.NewErrorEnvelope(apperrors.CodeUpstreamUnavailable, "remote service unavailable").
				WithCorrelationID("corr-123"),
			statusCode: http.StatusBadGateway,
			wantCode:   apperrors.CodeUpstreamUnavailable,
			wantMsg:    "remote service unavailable",
			wantReqID:  "corr-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.envelope, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			resp := decodeErrorResponse(t, rec)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
			assert.Equal(t, tt.wantReqID, resp.Error.RequestID)
		})
	}
}

func TestWriteErrorResponse_ContextBecomesDetails(t *testing.T) {
	envelope, err := errors.NewErrorEnvelope(apperrors.CodeNotFound, "job not found").
		WithContext(map[string]interface{}{"job_id": "ghost"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, envelope, http.StatusNotFound)

	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, "ghost", resp.Error.Details["job_id"])
}
