package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/cdcnorm/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID tags each request with an ID, reusing the one in the context or
// the X-Request-Id header when present, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := httputil.RequestID(r)
		if !ok {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
