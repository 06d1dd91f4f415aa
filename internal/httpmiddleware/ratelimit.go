package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"rfidattend/internal/auth"
)

// staleAfter is how long an untouched bucket survives before the next
// prune sweep drops it. Readers heartbeat far more often than this.
const staleAfter = 10 * time.Minute

// RateLimiter holds per-caller token buckets. Scan ingestion is keyed by
// the authenticated reader so one chatty reader cannot starve the rest of
// the fleet; unauthenticated routes fall back to the client IP.
type RateLimiter struct {
	capacity int
	rate     int

	mu        sync.Mutex
	state     map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewRateLimiter creates a limiter allowing bursts of capacity tokens
// refilled at perMinute. A non-positive capacity defaults to perMinute.
func NewRateLimiter(capacity, perMinute int) *RateLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &RateLimiter{
		capacity:  capacity,
		rate:      perMinute,
		state:     make(map[string]*bucket),
		lastPrune: time.Now(),
	}
}

// ByClientIP limits anonymous traffic per source address.
func (l *RateLimiter) ByClientIP() gin.HandlerFunc {
	return l.middleware(ipKey)
}

// ByReader limits per authenticated reader, keyed by the JWT subject set
// by the auth middleware. Requests without claims fall back to the IP.
func (l *RateLimiter) ByReader() gin.HandlerFunc {
	return l.middleware(func(c *gin.Context) string {
		if v, ok := c.Get("claims"); ok {
			if claims, ok := v.(auth.Claims); ok && claims.Subject != "" {
				return "reader:" + claims.Subject
			}
		}
		return ipKey(c)
	})
}

func ipKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

func (l *RateLimiter) middleware(key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastPrune) > time.Minute {
		for k, b := range l.state {
			if now.Sub(b.last) > staleAfter {
				delete(l.state, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
