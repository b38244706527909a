package mw

import (
	"net/http"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/ratelimit"
)

// RateLimit throttles authenticated traffic per user. Unauthenticated
// requests pass through; the guard chain refuses them anyway and limiting
// by user id before identity resolution is meaningless.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow(p.UserID) {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusTooManyRequests, &apierror.Error{
				Type:      apierror.ErrRateLimit,
				Message:   "too many requests, slow down",
				RequestID: reqID,
				Action:    apierror.ActionRetry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
