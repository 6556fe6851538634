package conn

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"confluence/pkg/utils"
)

// HandshakeLimiter throttles new-connection attempts per client IP
// (the rate_limiting.handshake config section), independent of any
// per-message limits applied once a socket is authenticated. Grounded on a
// per-key limiter store, generalized from gin's request pipeline onto the
// raw HTTP handler this package upgrades from.
type HandshakeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewHandshakeLimiter builds a limiter allowing connectionsPerMinute new
// handshakes per client IP, with the given burst. A nil *HandshakeLimiter
// is a valid no-op — Allow on a nil receiver always admits, so callers
// consult it without a nil check.
func NewHandshakeLimiter(connectionsPerMinute int, burst int) *HandshakeLimiter {
	if connectionsPerMinute <= 0 {
		return nil
	}
	return &HandshakeLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(connectionsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *HandshakeLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether a new handshake from r's client IP may proceed.
func (l *HandshakeLimiter) Allow(r *http.Request) bool {
	if l == nil {
		return true
	}
	return l.limiterFor(utils.ClientIP(r)).Allow()
}
