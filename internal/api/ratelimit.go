package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Buckets untouched this long are dropped on the next take.
const throttleStaleAfter = 10 * time.Minute

// loginThrottle caps login attempts per client IP with a token bucket.
type loginThrottle struct {
	mu    sync.Mutex
	perIP map[string]*tokenBucket

	ratePerSec float64
	burst      float64
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newLoginThrottle(ratePerSec float64, burst int) *loginThrottle {
	return &loginThrottle{
		perIP:      make(map[string]*tokenBucket),
		ratePerSec: ratePerSec,
		burst:      float64(burst),
	}
}

// take consumes one token for the key, refilling by elapsed wall time first.
func (lt *loginThrottle) take(key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := time.Now()
	for k, b := range lt.perIP {
		if now.Sub(b.last) > throttleStaleAfter {
			delete(lt.perIP, k)
		}
	}

	b := lt.perIP[key]
	if b == nil {
		b = &tokenBucket{tokens: lt.burst, last: now}
		lt.perIP[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * lt.ratePerSec
	if b.tokens > lt.burst {
		b.tokens = lt.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// middleware rejects over-limit attempts with 429. RealIP runs earlier in the
// chain, so RemoteAddr already holds the client address.
func (lt *loginThrottle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !lt.take(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}
