package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter 按客户端 IP 的令牌桶限流，定期清理长时间未访问的条目
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	maxAge  time.Duration
	done    chan struct{}
	once    sync.Once

	// OnBlocked 请求被拒绝时调用，可为空
	OnBlocked func(c *gin.Context)
}

// NewIPRateLimiter 创建限流器；perMinute <= 0 时不限流
func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &IPRateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Inf,
		burst:   burst,
		maxAge:  10 * time.Minute,
		done:    make(chan struct{}),
	}
	if perMinute > 0 {
		rl.limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	go rl.cleanup(time.Minute)
	return rl
}

// Allow 判断来自 ip 的请求是否放行
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = e
	}
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

// Middleware 返回限流中间件
func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			if rl.OnBlocked != nil {
				rl.OnBlocked(c)
			}
			c.Header("Retry-After", "60")
			c.String(http.StatusTooManyRequests, "Too many requests, please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Stop 停止清理协程
func (rl *IPRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// Len 当前跟踪的 IP 数
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *IPRateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.removeStale(time.Now())
		}
	}
}

func (rl *IPRateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.maxAge {
			delete(rl.entries, ip)
		}
	}
}
