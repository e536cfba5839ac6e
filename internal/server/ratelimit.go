package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// DefaultOAuthRate is the per-client request rate on the OAuth routes.
	DefaultOAuthRate = 2

	// DefaultOAuthBurst is the per-client burst on the OAuth routes.
	DefaultOAuthBurst = 10

	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter is a token bucket per client IP.
type ClientLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	trustProxy bool
	now        func() time.Time
}

// NewClientLimiter allows perSecond requests per client with the given
// burst. trustProxy makes X-Forwarded-For and X-Real-IP authoritative.
func NewClientLimiter(perSecond float64, burst int, trustProxy bool) *ClientLimiter {
	return &ClientLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

// Allow takes one token for ip.
func (l *ClientLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ip]
	if !ok {
		l.evictIdle(now)
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// evictIdle drops clients unseen for limiterIdleTTL. Runs on insert, so
// no background goroutine is needed.
func (l *ClientLimiter) evictIdle(now time.Time) {
	for ip, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.limiters, ip)
		}
	}
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects clients over their budget with 429.
func (l *ClientLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c.Request, l.trustProxy)
		if !l.Allow(ip) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIError{
				Status:  statusError,
				Message: "rate limit exceeded, try again later",
			})
			return
		}
		c.Next()
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
