package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = 5 * time.Minute
	clientIdleTTL = 10 * time.Minute
)

// RateLimiter enforces a per-client token bucket keyed by remote IP.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket

	stop     chan struct{}
	stopOnce sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter grants each client rps sustained requests per second
// with the given burst. Idle clients are swept in the background until
// Stop is called.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	l := &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the idle-client sweeper.
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware rejects requests over the client's budget with 429 and a
// Retry-After hint.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.bucketFor(clientIP(r))
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSONStatus(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) bucketFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.clients[ip]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}
	b := &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: time.Now()}
	l.clients[ip] = b
	return b.limiter
}

func (l *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *RateLimiter) sweepOnce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.clients {
		if time.Since(b.lastSeen) > clientIdleTTL {
			delete(l.clients, ip)
		}
	}
}

// clientIP keys buckets on RemoteAddr only. Forwarding headers are
// client-controlled and would hand out fresh buckets on demand.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
