package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientIdleTTL      = 10 * time.Minute
	clientSweepEvery   = time.Minute
	unknownClientKey   = "unknown"
	rateLimitedMessage = "rate limit exceeded"
)

type clientBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// apiRateLimiter keeps one token bucket per client address. Idle buckets are
// swept at most once per clientSweepEvery.
type apiRateLimiter struct {
	rps      rate.Limit
	burst    int
	now      func() time.Time
	onReject func()

	mu        sync.Mutex
	clients   map[string]*clientBudget
	lastSweep time.Time
}

func newAPIRateLimiter(requestsPerSec float64, burst int) *apiRateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}
	return &apiRateLimiter{
		rps:     rate.Limit(requestsPerSec),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientBudget),
	}
}

func (l *apiRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait := l.reserve(clientAddress(r))
		if wait > 0 {
			if l.onReject != nil {
				l.onReject()
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": rateLimitedMessage})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// reserve takes a token for the client and returns zero, or how long the
// client would have to wait for one. A refused request consumes nothing.
func (l *apiRateLimiter) reserve(clientID string) time.Duration {
	if clientID == "" {
		clientID = unknownClientKey
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.clients[clientID]
	if !ok {
		budget = &clientBudget{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[clientID] = budget
	}
	budget.lastSeen = now
	l.sweep(now)

	reservation := budget.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return delay
	}
	return 0
}

func (l *apiRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < clientSweepEvery {
		return
	}
	l.lastSweep = now
	for key, budget := range l.clients {
		if now.Sub(budget.lastSeen) > clientIdleTTL {
			delete(l.clients, key)
		}
	}
}

func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// clientAddress returns the caller's host. chi's RealIP middleware runs
// first, so RemoteAddr already reflects X-Real-IP or X-Forwarded-For.
func clientAddress(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
