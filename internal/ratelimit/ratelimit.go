// Package ratelimit provides token-bucket rate limiting for the escrow API.
//
// Every caller has a general bucket. Requests that can move money (creating,
// releasing, refunding or disputing an escrow) additionally draw from a
// smaller settlement bucket so a leaked token cannot hammer the processor.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/auth"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// SettleRequestsPerMinute is the sustained rate for money-moving calls.
	SettleRequestsPerMinute int
	// SettleBurst is the burst for money-moving calls.
	SettleBurst int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
	// Exempt lists path prefixes that are never limited.
	Exempt []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:       60,
		BurstSize:               10,
		SettleRequestsPerMinute: 12,
		SettleBurst:             4,
		CleanupInterval:         time.Minute,
		Exempt:                  []string{"/v1/webhooks/"},
	}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

type rate struct {
	perSecond float64
	burst     float64
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg     Config
	general rate
	settle  rate
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.SettleRequestsPerMinute <= 0 {
		cfg.SettleRequestsPerMinute = def.SettleRequestsPerMinute
	}
	if cfg.SettleBurst <= 0 {
		cfg.SettleBurst = def.SettleBurst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	l := &Limiter{
		cfg:     cfg,
		general: rate{perSecond: float64(cfg.RequestsPerMinute) / 60, burst: float64(cfg.BurstSize)},
		settle:  rate{perSecond: float64(cfg.SettleRequestsPerMinute) / 60, burst: float64(cfg.SettleBurst)},
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// withClock replaces the time source. Tests only.
func (l *Limiter) withClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.buckets {
				if b.lastCheck.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's general bucket.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take("gen:"+key, l.general)
	return ok
}

// take spends a token and, when refused, reports how long until one is
// available.
func (l *Limiter) take(key string, r rate) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: r.burst, lastCheck: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(r.burst, b.tokens+now.Sub(b.lastCheck).Seconds()*r.perSecond)
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / r.perSecond * float64(time.Second))
	return false, wait
}

// isSettlement reports whether a request can move money.
func isSettlement(c *gin.Context) bool {
	if c.Request.Method != http.MethodPost {
		return false
	}
	path := c.FullPath()
	if path == "/v1/escrows" {
		return true
	}
	for _, suffix := range []string{"/release", "/refund", "/dispute", "/retry-hold"} {
		if strings.HasPrefix(path, "/v1/escrows/") && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Middleware limits by authenticated user, falling back to client IP.
// Mount it after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range l.cfg.Exempt {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		key := "ip:" + c.ClientIP()
		if userID := auth.UserID(c); userID != "" {
			key = "user:" + userID
		}

		ok, wait := l.take("gen:"+key, l.general)
		if ok && isSettlement(c) {
			ok, wait = l.take("settle:"+key, l.settle)
		}
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
