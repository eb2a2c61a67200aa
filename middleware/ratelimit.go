package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// SignInRateLimit bounds sign-in requests per client IP, across all emails.
type SignInRateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultSignInRateLimit allows 20 sign-in requests per IP per minute.
func DefaultSignInRateLimit() SignInRateLimit {
	return SignInRateLimit{Requests: 20, Window: time.Minute}
}

// LimitSignInByIP returns a per-IP limiter answering 429 with a JSON body.
func LimitSignInByIP(cfg SignInRateLimit) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		cfg = DefaultSignInRateLimit()
	}
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many sign-in requests from this address."}`))
		}),
	)
}
