package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// actorLimiter hands out one token bucket per authenticated actor.
type actorLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	byActor map[string]*rate.Limiter
}

func newActorLimiter(cfg RateLimitConfig) *actorLimiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &actorLimiter{
		limit:   rate.Limit(cfg.PerSecond),
		burst:   burst,
		byActor: make(map[string]*rate.Limiter),
	}
}

func (l *actorLimiter) allow(actorID string) bool {
	l.mu.Lock()
	lim, ok := l.byActor[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byActor[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// middleware throttles mutating requests. It must run after authentication;
// reads and anonymous requests pass through.
func (l *actorLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodDelete, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}
		p, ok := principalFromContext(r.Context())
		if !ok || l.allow(p.ActorID) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", map[string]any{"actor_id": p.ActorID}))
	})
}
