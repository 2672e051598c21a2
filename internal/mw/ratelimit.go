package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const reapInterval = 30 * time.Second

// bucket 是单个调用方的令牌桶，seen 记录最近一次请求。
type bucket struct {
	*rate.Limiter
	seen time.Time
}

// IPLimiter 按 "客户端 IP + 路由" 分配令牌桶，闲置超过 idle 的桶由后台回收。
type IPLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	done      chan struct{}
	closeOnce sync.Once
}

// NewIPLimiter 创建限流器并启动回收 goroutine，停服时调用 Close。
func NewIPLimiter(limit rate.Limit, burst int, idle time.Duration) *IPLimiter {
	l := &IPLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Allow 为 key 消耗一个令牌，桶不存在时按需创建。
func (l *IPLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.AllowN(now, 1)
}

// Len 返回当前持有的桶数。
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *IPLimiter) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case now := <-t.C:
			l.reap(now)
		}
	}
}

// reap 删除 now 之前闲置超过 idle 的桶，返回删除个数。
func (l *IPLimiter) reap(now time.Time) int {
	cutoff := now.Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Close 停止回收 goroutine，可重复调用。
func (l *IPLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Handler 返回 gin 中间件，超限时返回 429。
func (l *IPLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if l.Allow(remoteHost(c.Request) + " " + route) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}

// remoteHost 只看 TCP 对端地址，不信任 X-Forwarded-For。
func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
