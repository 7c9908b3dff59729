package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = 1 * time.Minute
)

type endpointRule struct {
	name   string
	method string // empty matches any method
	path   string // empty matches any path
	rps    rate.Limit
	burst  int
}

// defaultRules throttle manual reconcile runs hardest; everything else gets
// a generous per-IP budget.
var defaultRules = []endpointRule{
	{name: "reconcile", method: http.MethodPost, path: "/admin/v1/reconcile", rps: rate.Limit(1.0 / 60), burst: 1},
	{name: "incidents", method: http.MethodGet, path: "/admin/v1/incidents", rps: 2, burst: 10},
	{name: "default", rps: 1, burst: 5},
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies per-endpoint, per-IP token buckets to the
// admin API.
type RateLimitMiddleware struct {
	mu             sync.Mutex
	limiters       map[string]*limiterEntry // "rule|ip"
	rules          []endpointRule
	trustForwarded bool
	logger         *slog.Logger
	nowFunc        func() time.Time
	stopOnce       sync.Once
	stopCh         chan struct{}
}

// NewRateLimitMiddleware starts a background sweep of idle limiters; call
// Stop to end it. X-Forwarded-For is honoured only when trustForwarded is
// set, i.e. when the admin port sits behind a proxy that overwrites it.
func NewRateLimitMiddleware(logger *slog.Logger, trustForwarded bool) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters:       make(map[string]*limiterEntry),
		rules:          defaultRules,
		trustForwarded: trustForwarded,
		logger:         logger.With("component", "admin_ratelimit"),
		nowFunc:        time.Now,
		stopCh:         make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of live limiter entries.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.clientIP(r)
		rule := rl.match(r.Method, r.URL.Path)

		if !rl.allow(rule, ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("admin rate limit exceeded",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", ip,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) match(method, path string) endpointRule {
	for _, rule := range rl.rules {
		if rule.method != "" && rule.method != method {
			continue
		}
		if rule.path != "" && rule.path != path {
			continue
		}
		return rule
	}
	return endpointRule{name: "fallback", rps: 1, burst: 5}
}

func (rl *RateLimitMiddleware) allow(rule endpointRule, ip string) bool {
	now := rl.nowFunc()
	key := rule.name + "|" + ip

	rl.mu.Lock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rule.rps, rule.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimitMiddleware) clientIP(r *http.Request) string {
	if rl.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
