package middleware

import (
	"net/http"

	"github.com/edgeflare/cdcnorm/pkg/httputil"
)

// Chain applies middlewares to h. The first one is the outermost wrapper.
func Chain(h http.Handler, middlewares ...httputil.Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
