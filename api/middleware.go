package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Artfain/uav-ledger/service"
)

const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	sync.Mutex
	m     map[string]*visitor
	swept time.Time
	limit rate.Limit
	burst int
	now   func() time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	return &ipLimiter{
		m:     make(map[string]*visitor),
		limit: rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	l.Lock()
	defer l.Unlock()
	now := l.now()
	v, ok := l.m[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.m[addr] = v
	}
	v.lastSeen = now
	if now.Sub(l.swept) > limiterIdle {
		for a, other := range l.m {
			if now.Sub(other.lastSeen) > limiterIdle {
				delete(l.m, a)
			}
		}
		l.swept = now
	}
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddr(r)) {
			writeJSON(w, http.StatusTooManyRequests, service.Envelope{Message: "Rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
