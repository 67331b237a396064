package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds the request context. The proxy and the session
// manager both watch the context, so an expired request aborts the upstream
// call and releases its connection. A non-positive timeout disables it.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
