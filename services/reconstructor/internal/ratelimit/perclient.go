package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/threadrecon/internal/platform/api"
	"github.com/example/threadrecon/internal/platform/httpserver"
)

// PerClient keeps one token bucket per client address.
type PerClient struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type client struct {
	l    *rate.Limiter
	seen time.Time
}

// NewPerClient allows each client rps requests per second with burst.
// Non-positive rps allows everything. Buckets idle longer than idle are
// dropped on the next sweep.
func NewPerClient(rps float64, burst int, idle time.Duration) *PerClient {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &PerClient{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

func (p *PerClient) Allow(key string) bool {
	if p.rps <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	c, ok := p.clients[key]
	if !ok {
		if len(p.clients) >= 1024 {
			p.sweep(now)
		}
		c = &client{l: rate.NewLimiter(p.rps, p.burst)}
		p.clients[key] = c
	}
	c.seen = now
	return c.l.AllowN(now, 1)
}

func (p *PerClient) sweep(now time.Time) {
	for k, c := range p.clients {
		if now.Sub(c.seen) > p.idle {
			delete(p.clients, k)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (p *PerClient) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allow(clientKey(r)) {
			rid := httpserver.RequestIDFromContext(r.Context())
			api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
