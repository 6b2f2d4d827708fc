// Package relay bridges an external messaging service to the daemon's
// local socket.
package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
)

// RateLimiter admits at most max events per sender in any sliding window.
type RateLimiter struct {
	max    int
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter creates a limiter. max <= 0 disables limiting.
func NewRateLimiter(max int, window time.Duration, clk clock.Clock) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		max:    max,
		window: window,
		clock:  clk,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an event for sender and reports whether it is within the
// limit. Rejected events are not recorded.
func (r *RateLimiter) Allow(sender string) bool {
	if r.max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	hits := r.hits[sender]
	keep := hits[:0]
	for _, t := range hits {
		if now.Sub(t) < r.window {
			keep = append(keep, t)
		}
	}
	if len(keep) >= r.max {
		r.hits[sender] = keep
		return false
	}
	r.hits[sender] = append(keep, now)
	return true
}

// Decision is the gate's verdict on an inbound message.
type Decision int

const (
	Accept Decision = iota
	NotAllowed
	MissingPrefix
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case NotAllowed:
		return "not_allowed"
	case MissingPrefix:
		return "missing_prefix"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Gate filters inbound messages before they reach the daemon.
type Gate struct {
	allowed  map[string]bool
	allowAll bool
	prefix   string
	limiter  *RateLimiter
}

// NewGate builds a gate from the relay settings.
func NewGate(cfg config.RelayConfig, clk clock.Clock) *Gate {
	g := &Gate{
		allowed:  make(map[string]bool, len(cfg.AllowedSenders)),
		allowAll: cfg.AllowAll,
		prefix:   strings.TrimSpace(cfg.RequirePrefix),
		limiter:  NewRateLimiter(cfg.MaxMessagesPerMinute, time.Minute, clk),
	}
	for _, s := range cfg.AllowedSenders {
		if s = strings.TrimSpace(s); s != "" {
			g.allowed[s] = true
		}
	}
	return g
}

// Check decides whether text from sender is forwarded and returns the
// text with any required prefix removed. An empty allow-list admits
// nobody unless allow_all is set.
func (g *Gate) Check(sender, text string) (string, Decision) {
	if !g.allowAll && !g.allowed[strings.TrimSpace(sender)] {
		return "", NotAllowed
	}
	text = strings.TrimSpace(text)
	if g.prefix != "" {
		if !strings.HasPrefix(text, g.prefix) {
			return "", MissingPrefix
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, g.prefix))
		if text == "" {
			return "", MissingPrefix
		}
	}
	if !g.limiter.Allow(sender) {
		return "", RateLimited
	}
	return text, Accept
}

// Recipients returns the allow-listed senders, sorted.
func (g *Gate) Recipients() []string {
	out := make([]string, 0, len(g.allowed))
	for s := range g.allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
