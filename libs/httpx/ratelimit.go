package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-process fixed-window limiter keyed by tenant and
// client address. Use RedisRateLimiter when several api replicas run.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	swept   time.Time
}

type window struct {
	count int
	reset time.Time
}

func NewRateLimiter(limit int, win time.Duration) *RateLimiter {
	limit, win = limitDefaults(limit, win)
	return &RateLimiter{limit: limit, window: win, now: time.Now, windows: map[string]*window{}}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, retry := rl.allow(limitKey(r)); !ok {
				tooManyRequests(w, r, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > rl.window {
		for k, w := range rl.windows {
			if now.After(w.reset) {
				delete(rl.windows, k)
			}
		}
		rl.swept = now
	}

	w := rl.windows[key]
	if w == nil || now.After(w.reset) {
		rl.windows[key] = &window{count: 1, reset: now.Add(rl.window)}
		return true, 0
	}
	if w.count >= rl.limit {
		return false, w.reset.Sub(now)
	}
	w.count++
	return true, 0
}

func limitDefaults(limit int, win time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 120
	}
	if win <= 0 {
		win = time.Minute
	}
	return limit, win
}

// limitKey is "<tenant>:<client>" on tenant routes and the client elsewhere.
func limitKey(r *http.Request) string {
	client := clientAddr(r)
	if tenant := TenantFromPath(r.URL.Path); tenant != "" {
		return tenant + ":" + client
	}
	return client
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func tooManyRequests(w http.ResponseWriter, r *http.Request, retry time.Duration) {
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}
	WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// TenantFromPath extracts {tenant} from /v1/tenants/{tenant}/... paths.
func TenantFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/tenants/")
	if !ok {
		return ""
	}
	tenant, _, _ := strings.Cut(rest, "/")
	return tenant
}
