package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window and key.
	Max    int
	Window time.Duration
	// KeyFunc returns the bucket of a request. An empty key, or a nil
	// KeyFunc, buckets the request by client address.
	KeyFunc func(*http.Request) string
}

// window counts requests of one key over the current and the previous
// fixed window.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

type limiter struct {
	max    int
	period time.Duration
	keyOf  func(*http.Request) string

	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		max:     cfg.Max,
		period:  cfg.Window,
		keyOf:   cfg.KeyFunc,
		windows: make(map[string]*window),
	}
}

func (l *limiter) key(r *http.Request) string {
	if l.keyOf != nil {
		if k := l.keyOf(r); k != "" {
			return k
		}
	}
	return "ip:" + clientIP(r)
}

// take counts a request of key at now. The previous window is weighted by
// its overlap with the sliding window ending at now.
func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &window{start: now.Truncate(l.period)}
		l.windows[key] = w
	}
	switch elapsed := now.Sub(w.start); {
	case elapsed >= 2*l.period:
		w.start, w.curr, w.prev = now.Truncate(l.period), 0, 0
	case elapsed >= l.period:
		w.start, w.curr, w.prev = w.start.Add(l.period), 0, w.curr
	}

	overlap := 1 - now.Sub(w.start).Seconds()/l.period.Seconds()
	used := w.prev*max(overlap, 0) + w.curr
	reset = w.start.Add(l.period)
	if used >= float64(l.max) {
		return 0, reset, false
	}
	w.curr++
	return max(int(float64(l.max)-used-1), 0), reset, true
}

// evict drops keys idle for two windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.Sub(w.start) >= 2*l.period {
			delete(l.windows, k)
		}
	}
}

func (l *limiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(2 * l.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

// RateLimit limits requests per key with a sliding window. Rejected
// requests get 429 with a JSON error body. Every response carries the
// X-RateLimit-* headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit with a background eviction of idle keys
// that runs until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.evictLoop(ctx)
	return l.middleware
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)
		remaining, reset, ok := l.take(key, time.Now())

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		zctx.From(r.Context()).Info("Rate limited", zap.String("key", key))
		wait := max(time.Until(reset), 0)
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)

		var e jx.Encoder
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Str("RATE_LIMITED") })
			e.Field("message", func(e *jx.Encoder) { e.Str("rate limit exceeded") })
		})
		_, _ = w.Write(e.Bytes())
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
