package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

// LoggerFromContext returns the logger stored by the logger middleware, or a no-op logger
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	// Level of the per-request entry, info when zero
	Level  zapcore.Level
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one entry per request once the handler returns.
func LoggerWithOptions(options *LoggerOptions) httputil.Middleware {
	opts := LoggerOptions{Logger: zap.NewNop(), Format: defaultFormat}
	if options != nil {
		if options.Logger != nil {
			opts.Logger = options.Logger
		}
		if options.Format != nil {
			opts.Format = options.Format
		}
		opts.Level = options.Level
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID, ok := httputil.RequestID(r)
			if !ok {
				reqID = uuid.Nil.String()
			}

			rec := NewResponseRecorder(w)
			ctx := context.WithValue(r.Context(), httputil.LogEntryCtxKey, opts.Logger.With(zap.String("req_id", reqID)))
			next.ServeHTTP(rec, r.WithContext(ctx))

			opts.Logger.Log(opts.Level, "response", opts.Format(reqID, rec, r, time.Since(start))...)
		})
	}
}
