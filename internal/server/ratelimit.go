package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitScope     = "X-RateLimit-Scope"
	HeaderRetryAfter         = "Retry-After"
)

// writeRateLimitHeaders describes d on h. Reset is a unix timestamp in
// seconds. Retry-After is only set for rejected requests.
func writeRateLimitHeaders(h http.Header, d ratelimit.Decision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set(HeaderRateLimitScope, string(d.Scope))

	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(int64(d.RetryAfter(now)/time.Second), 10))
	}
}

// tighter reports whether a leaves the caller less headroom than b.
func tighter(a, b ratelimit.Decision) bool {
	if b.Limit <= 0 {
		return true
	}
	if a.Limit <= 0 {
		return false
	}
	return a.Remaining < b.Remaining
}
