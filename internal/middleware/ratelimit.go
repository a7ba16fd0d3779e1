package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"changedesk/internal/config"
	appmetrics "changedesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶限流
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

// take 返回是否放行，以及被拒绝时距下一个令牌的等待时间
func (b *tokenBucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.ratePerSec)
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / b.ratePerSec * float64(time.Second))
	return false, wait
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     config.PathRateLimitConfig
}

func newLimiter(cfg config.PathRateLimitConfig) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst)
	l.buckets[key] = b
	return b
}

// RateLimitMiddleware 按 cfg.Security.RateLimiting 限流。
// 路径前缀规则优先（取第一个匹配项），否则使用全局限额；未启用时直接放行。
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var pathLimiters []*limiter
	for _, p := range rl.Paths {
		if p.Enabled && p.RequestsPerMinute > 0 && p.Prefix != "" {
			pathLimiters = append(pathLimiters, newLimiter(p))
		}
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	extractKey := func(c *gin.Context) string {
		if rl.KeyHeader != "" {
			if v := c.GetHeader(rl.KeyHeader); v != "" {
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					return strings.TrimSpace(strings.Split(v, ",")[0])
				}
				return v
			}
		}
		if ip := c.ClientIP(); ip != "" {
			return ip
		}
		return "unknown"
	}

	return func(c *gin.Context) {
		key := extractKey(c)
		if rl.KeyHeader != "" && contains(rl.WhitelistKeys, key) {
			c.Next()
			return
		}
		if contains(rl.WhitelistIPs, c.ClientIP()) {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		l, label := global, "global"
		for _, pl := range pathLimiters {
			if strings.HasPrefix(path, pl.cfg.Prefix) {
				l, label = pl, pl.cfg.Prefix
				break
			}
		}
		if l == nil {
			c.Next()
			return
		}
		if ok, wait := l.bucket(key).take(); !ok {
			appmetrics.IncRateLimitDrop(label)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			abortProblem(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func contains(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}
