package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleTTL is how long an idle client keeps its limiter.
const clientIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per client host. Detection runs are CPU
// bound, so the server wraps the detect route with it.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*client
	limit          rate.Limit
	requestsPerMin int
	cleanupTicker  *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once
	now            func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin requests per minute per host, with
// bursts up to the same number.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*client),
		limit:          rate.Limit(float64(requestsPerMin) / 60.0),
		requestsPerMin: requestsPerMin,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
		done:           make(chan struct{}),
		now:            time.Now,
	}

	// Cleanup stale entries every 5 minutes
	go rl.cleanup()

	return rl
}

// Middleware returns an HTTP middleware that enforces rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		if wait, ok := rl.reserve(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(wait)))
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
			return
		}

		next(w, r)
	}
}

// clientKey strips the ephemeral port so one host shares one bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.requestsPerMin)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// allow reports whether a request from key may proceed now.
func (rl *RateLimiter) allow(key string) bool {
	_, ok := rl.reserve(key)
	return ok
}

// reserve takes a token for key. When none is available it returns how long
// until one is.
func (rl *RateLimiter) reserve(key string) (time.Duration, bool) {
	now := rl.now()
	lim := rl.limiterFor(key, now)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// retryAfter rounds wait up to whole seconds within [1, 60].
func retryAfter(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	return min(max(secs, 1), 60)
}

// cleanup removes stale client entries
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, c := range rl.clients {
				if now.Sub(c.lastSeen) > clientIdleTTL {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}
