package auth

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultMaxFailures = 10
	DefaultWindow      = time.Minute
	DefaultBlock       = 5 * time.Minute

	// maxTracked bounds the failure table; stale clients are evicted past it.
	maxTracked = 1024
)

// FailureGuard blocks clients after repeated failed authentication.
type FailureGuard struct {
	MaxFailures int
	Window      time.Duration
	Block       time.Duration

	mu      sync.Mutex
	clients map[string]*failures
	now     func() time.Time
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewFailureGuard returns a guard that blocks a client for 5 minutes after
// 10 failures within a minute.
func NewFailureGuard() *FailureGuard {
	return &FailureGuard{
		MaxFailures: DefaultMaxFailures,
		Window:      DefaultWindow,
		Block:       DefaultBlock,
		clients:     make(map[string]*failures),
		now:         time.Now,
	}
}

// Blocked reports whether client is blocked and for how long.
func (g *FailureGuard) Blocked(client string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.clients[client]
	if !ok || f.blockedUntil.IsZero() {
		return false, 0
	}
	remaining := f.blockedUntil.Sub(g.now())
	if remaining <= 0 {
		delete(g.clients, client)
		return false, 0
	}
	return true, remaining
}

// Failure records a failed attempt and reports whether client is now blocked.
func (g *FailureGuard) Failure(client string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	f, ok := g.clients[client]
	if !ok {
		if len(g.clients) >= maxTracked {
			g.evict(now)
		}
		f = &failures{windowStart: now}
		g.clients[client] = f
	}
	if now.Sub(f.windowStart) > g.Window {
		f.count = 0
		f.windowStart = now
	}
	f.count++
	if f.count >= g.MaxFailures {
		f.blockedUntil = now.Add(g.Block)
		return true
	}
	return false
}

// Success forgets client's failures.
func (g *FailureGuard) Success(client string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, client)
}

func (g *FailureGuard) evict(now time.Time) {
	for client, f := range g.clients {
		if now.After(f.blockedUntil) && now.Sub(f.windowStart) > g.Window {
			delete(g.clients, client)
		}
	}
}

// ClientIP returns the remote host of r. Forwarding headers are ignored:
// the control API is meant to be reached directly.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
