// Package toolrunner is the Tool Runner: permission check, rate limit,
// input sanitization, dispatch (builtin / sandboxed shell / external tool
// server), output sanitization, audit, and result caching for a single
// tool invocation. Grounded on the teacher's internal/ratelimit/limiter.go
// (per-key Bucket map shape) and original_source's
// server/services/rate_limiter.py (the exact per-tool-category defaults),
// with the per-bucket math itself delegated to golang.org/x/time/rate
// rather than the teacher's hand-rolled refill loop.
package toolrunner

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketConfig configures one tool's token bucket.
type BucketConfig struct {
	MaxRequests   int // requests per window
	WindowSeconds int
	Burst         int
}

// defaultBucketConfigs mirrors original_source's ToolRateLimiter.DEFAULT_LIMITS.
var defaultBucketConfigs = map[string]BucketConfig{
	"run_shell_command": {MaxRequests: 5, WindowSeconds: 60, Burst: 2},
	"web_fetch":         {MaxRequests: 30, WindowSeconds: 60, Burst: 10},
	"read_file":         {MaxRequests: 50, WindowSeconds: 60, Burst: 10},
	"list_files":        {MaxRequests: 50, WindowSeconds: 60, Burst: 10},
	"search_code":       {MaxRequests: 30, WindowSeconds: 60, Burst: 5},
	"list_events":       {MaxRequests: 20, WindowSeconds: 60, Burst: 5},
	"create_event":      {MaxRequests: 10, WindowSeconds: 60, Burst: 3},
	"update_event":      {MaxRequests: 10, WindowSeconds: 60, Burst: 3},
	"delete_event":      {MaxRequests: 10, WindowSeconds: 60, Burst: 3},
	"mcp":               {MaxRequests: 20, WindowSeconds: 60, Burst: 5},
	"default":           {MaxRequests: 30, WindowSeconds: 60, Burst: 10},
}

func (c BucketConfig) perSecond() rate.Limit {
	return rate.Limit(float64(c.MaxRequests) / float64(c.WindowSeconds))
}

// bucket wraps an x/time/rate.Limiter with the burst-inclusive capacity
// original_source's per-tool defaults expect (MaxRequests + Burst tokens of
// headroom, refilled at MaxRequests/WindowSeconds per second).
type bucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

func newBucket(cfg BucketConfig) *bucket {
	capacity := cfg.MaxRequests + cfg.Burst
	if capacity <= 0 {
		capacity = 1
	}
	return &bucket{lim: rate.NewLimiter(cfg.perSecond(), capacity)}
}

// allow consumes one token if available, non-blocking. It returns
// (allowed, retryAfterSeconds, remaining).
func (b *bucket) allow() (bool, float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	reservation := b.lim.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0, 0
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0, float64(b.lim.TokensAt(now))
	}
	reservation.CancelAt(now)
	return false, delay.Seconds(), 0
}

// RateLimiter manages one token bucket per tool name, created lazily on
// first use. spec.md section 3 assigns RateBucket ownership exclusively to
// the Tool Runner.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	configs map[string]BucketConfig
}

// NewRateLimiter returns a limiter seeded with the default per-tool-category
// configs; callers may override individual tools with SetLimit.
func NewRateLimiter() *RateLimiter {
	configs := make(map[string]BucketConfig, len(defaultBucketConfigs))
	for k, v := range defaultBucketConfigs {
		configs[k] = v
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		configs: configs,
	}
}

// SetLimit overrides the config for toolName and drops any existing bucket
// so it is recreated with the new config on next use.
func (l *RateLimiter) SetLimit(toolName string, cfg BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[toolName] = cfg
	delete(l.buckets, toolName)
}

func (l *RateLimiter) getBucket(toolName string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[toolName]; ok {
		return b
	}

	cfg, ok := l.configs[toolName]
	if !ok {
		cfg = l.configs["default"]
	}
	b := newBucket(cfg)
	l.buckets[toolName] = b
	return b
}

// Allow is the non-blocking rate-limit check from spec.md section 4.4 step
// 4: it returns (allowed, retryAfterSeconds).
func (l *RateLimiter) Allow(toolName string) (bool, float64) {
	allowed, retryAfter, _ := l.getBucket(toolName).allow()
	return allowed, retryAfter
}

// Reset drops the bucket for toolName (or every bucket when toolName is empty).
func (l *RateLimiter) Reset(toolName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if toolName == "" {
		l.buckets = make(map[string]*bucket)
		return
	}
	delete(l.buckets, toolName)
}
