package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func teapot(w http.ResponseWriter, r *http.Request) {
	LoggerFromContext(r.Context()).Info("inside")
	w.WriteHeader(http.StatusTeapot)
}

func TestLoggerWithOptions(t *testing.T) {
	logger, logs := newTestLogger(zap.InfoLevel)
	handler := LoggerWithOptions(&LoggerOptions{
		Logger: logger,
		Format: func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
			return []zap.Field{zap.String("test", "log")}
		},
	})(http.HandlerFunc(teapot))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "inside", logs.All()[0].Message)
	assert.Equal(t, "response", logs.All()[1].Message)
	assert.Equal(t, "log", logs.All()[1].ContextMap()["test"])
}

func TestLoggerDefaultFormat(t *testing.T) {
	logger, logs := newTestLogger(zap.DebugLevel)
	handler := Chain(http.HandlerFunc(teapot),
		RequestID,
		LoggerWithOptions(&LoggerOptions{Logger: logger, Level: zap.DebugLevel}),
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/metrics", nil)
	req.Header.Set(RequestIDHeader, "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("response").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "abc", fields["req_id"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "GET", fields["method"])

	inside := logs.FilterMessage("inside").All()
	require.Len(t, inside, 1)
	assert.Equal(t, "abc", inside[0].ContextMap()["req_id"], "handler logger carries the request ID")
}

func TestLoggerWithoutRequestID(t *testing.T) {
	logger, logs := newTestLogger(zap.InfoLevel)
	LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(teapot)).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil))

	entries := logs.FilterMessage("response").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", entries[0].ContextMap()["req_id"])
}

func TestLoggerNilOptions(t *testing.T) {
	rr := httptest.NewRecorder()
	LoggerWithOptions(nil)(http.HandlerFunc(teapot)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
