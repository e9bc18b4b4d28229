package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/astro-report/internal/auth"
	"github.com/suPer8Hu/astro-report/internal/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	UserIDKey    = "user_id"
	RequestIDKey = "request_id"

	RequestIDHeader    = "X-Request-ID"
	WorkerSecretHeader = "X-Worker-Secret"
)

func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(RequestIDKey)))
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(RequestIDKey)))
	}
}

// AuthRequired accepts "Authorization: Bearer <jwt>" and stores the user id
// under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(strings.TrimSpace(token), secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// WorkerAuth guards infrastructure endpoints with a shared secret. With no
// secret configured, requests pass only when devBypass is set.
func WorkerAuth(secret string, devBypass bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if devBypass {
				c.Next()
				return
			}
			common.AbortFail(c, http.StatusUnauthorized, 40102, "worker secret not configured")
			return
		}
		got := c.GetHeader(WorkerSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			common.AbortFail(c, http.StatusUnauthorized, 40102, "invalid worker secret")
			return
		}
		c.Next()
	}
}

// RateLimit allows each user perSec requests per second with the given burst.
// It must run after AuthRequired. A non-positive rate disables it.
func RateLimit(perSec float64, burst int) gin.HandlerFunc {
	if perSec <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiters := newUserLimiters(perSec, burst)

	return func(c *gin.Context) {
		if !limiters.allow(c.GetUint64(UserIDKey), time.Now()) {
			common.AbortFail(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
		c.Next()
	}
}

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	l    *rate.Limiter
	seen time.Time
}

// userLimiters holds one token bucket per user. Buckets idle long enough to
// have refilled are dropped, since a fresh one behaves the same.
type userLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	entries   map[uint64]*limiterEntry
	lastPrune time.Time
}

func newUserLimiters(perSec float64, burst int) *userLimiters {
	if burst <= 0 {
		burst = 1
	}
	idle := limiterIdleTTL
	if refill := time.Duration(float64(burst) / perSec * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &userLimiters{
		limit:   rate.Limit(perSec),
		burst:   burst,
		idle:    idle,
		entries: make(map[uint64]*limiterEntry),
	}
}

func (u *userLimiters) allow(uid uint64, now time.Time) bool {
	u.mu.Lock()
	if u.lastPrune.IsZero() {
		u.lastPrune = now
	}
	if now.Sub(u.lastPrune) >= u.idle {
		for id, e := range u.entries {
			if now.Sub(e.seen) >= u.idle {
				delete(u.entries, id)
			}
		}
		u.lastPrune = now
	}
	e, ok := u.entries[uid]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(u.limit, u.burst)}
		u.entries[uid] = e
	}
	e.seen = now
	l := e.l
	u.mu.Unlock()

	return l.AllowN(now, 1)
}

func (u *userLimiters) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
