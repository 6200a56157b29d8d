package health

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/crosslane/internal/indexing/metrics"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle limits requests per client address.
type Throttle struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewThrottle returns a limiter allowing rps requests per second with the
// given burst for every client. rps <= 0 disables throttling.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether client may make a request now.
func (t *Throttle) Allow(client string) bool {
	if t.rps <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cl, ok := t.clients[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.clients[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Sweep drops limiters idle longer than the idle window.
func (t *Throttle) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.idle)
	removed := 0
	for k, cl := range t.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(t.clients, k)
			removed++
		}
	}
	return removed
}

// Middleware rejects throttled clients with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientKey(r)) {
			metrics.HTTPThrottledTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
