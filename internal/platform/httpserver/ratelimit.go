package httpserver

import (
	"net/http"
	"sync"
	"time"

	httptransport "ballotbox/contexts/vote-ingestion/vote-pipeline/transport/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client key and forgets keys that
// stay idle longer than idleTTL.
type clientLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		entries:   make(map[string]*limiterEntry),
		rps:       rate.Limit(rps),
		burst:     burst,
		idleTTL:   15 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (l *clientLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idleTTL {
		cutoff := now.Add(-l.idleTTL)
		for k, entry := range l.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// rateLimit rejects requests over the per-client budget with 429. A
// non-positive rps disables limiting.
func rateLimit(limiter *clientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.rps <= 0 {
			c.Next()
			return
		}
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httptransport.ErrorResponse{
				Code:    "rate_limited",
				Message: "too many vote requests",
			})
			return
		}
		c.Next()
	}
}
