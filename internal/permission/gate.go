// Package permission implements the deny-by-default capability gate that
// guards every public entry point of the orchestration core.
package permission

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/domain"
	"golang.org/x/time/rate"
)

// Capability is a token granted to roles.
type Capability string

const (
	TaskSubmit       Capability = "task:submit"
	TaskCancel       Capability = "task:cancel"
	TaskRead         Capability = "task:read"
	StreamSubscribe  Capability = "stream:subscribe"
	ProviderGenerate Capability = "provider:generate"
	ProviderAdmin    Capability = "provider:admin"
	ProcessRead      Capability = "process:read"
	MetricsRead      Capability = "metrics:read"
)

// Reason explains a Decision.
type Reason string

const (
	Granted          Reason = "Granted"
	NoSuchCapability Reason = "NoSuchCapability"
	RoleNotFound     Reason = "RoleNotFound"
	RateLimited      Reason = "RateLimited"
)

// Principal is the authenticated caller.
type Principal struct {
	ID   string
	Role string
}

// Decision is the result of an authorization or rate check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Capability Capability
}

// Err converts a denial into a *domain.ForbiddenError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.ForbiddenError{Capability: string(d.Capability), Reason: string(d.Reason)}
}

type role struct {
	name         string
	capabilities map[Capability]struct{}
	limit        int
	window       time.Duration
}

// Gate evaluates capability grants and per-principal request budgets.
type Gate struct {
	mu      sync.RWMutex
	roles   map[string]role
	history map[string][]int64
	global  *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithGlobalLimit bounds total checks per second across all principals.
func WithGlobalLimit(perSecond float64, burst int) Option {
	return func(g *Gate) { g.global = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the logger used for denials.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate builds a gate from the configured role table.
func NewGate(roles []config.RoleConfig, opts ...Option) *Gate {
	g := &Gate{
		history: make(map[string][]int64),
		global:  rate.NewLimiter(rate.Inf, 0),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "permission_gate")
	g.Reload(roles)
	return g
}

// Reload atomically replaces the role table. Rate histories are kept.
func (g *Gate) Reload(roles []config.RoleConfig) {
	table := make(map[string]role, len(roles))
	for _, rc := range roles {
		r := role{
			name:         rc.Name,
			capabilities: make(map[Capability]struct{}, len(rc.Capabilities)),
			limit:        rc.RateLimit,
			window:       rc.RateWindow,
		}
		for _, c := range rc.Capabilities {
			r.capabilities[Capability(c)] = struct{}{}
		}
		table[rc.Name] = r
	}

	g.mu.Lock()
	g.roles = table
	g.mu.Unlock()

	g.logger.Info("role table loaded", "roles", len(table))
}

// Authorize checks that principal's role grants capability and that the
// principal is within its request budget. Absence of an explicit grant denies.
// Only allowed calls consume quota.
func (g *Gate) Authorize(p Principal, c Capability) Decision {
	g.mu.RLock()
	r, ok := g.roles[p.Role]
	g.mu.RUnlock()

	if !ok {
		return g.deny(p, c, RoleNotFound)
	}
	if _, granted := r.capabilities[c]; !granted {
		return g.deny(p, c, NoSuchCapability)
	}

	d := g.rateCheck(p, r)
	d.Capability = c
	if !d.Allowed {
		g.logDenial(p, c, d.Reason)
	}
	return d
}

// Require is Authorize returning an error on denial.
func (g *Gate) Require(p Principal, c Capability) error {
	return g.Authorize(p, c).Err()
}

// RateCheck applies principal's sliding-window budget without a capability check.
func (g *Gate) RateCheck(p Principal) Decision {
	g.mu.RLock()
	r, ok := g.roles[p.Role]
	g.mu.RUnlock()
	if !ok {
		return Decision{Allowed: false, Reason: RoleNotFound}
	}
	return g.rateCheck(p, r)
}

func (g *Gate) rateCheck(p Principal, r role) Decision {
	if !g.global.Allow() {
		return Decision{Allowed: false, Reason: RateLimited}
	}
	if r.limit <= 0 || r.window <= 0 {
		return Decision{Allowed: true, Reason: Granted}
	}

	now := g.now().UnixNano()
	cutoff := now - r.window.Nanoseconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	h := trimCutoff(g.history[p.ID], cutoff)
	if len(h) >= r.limit {
		g.history[p.ID] = h
		return Decision{Allowed: false, Reason: RateLimited}
	}
	g.history[p.ID] = append(h, now)
	return Decision{Allowed: true, Reason: Granted}
}

// Prune drops histories whose entries have all expired under the longest window.
func (g *Gate) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var longest time.Duration
	for _, r := range g.roles {
		if r.window > longest {
			longest = r.window
		}
	}
	cutoff := g.now().UnixNano() - longest.Nanoseconds()

	removed := 0
	for id, h := range g.history {
		if len(h) == 0 || h[len(h)-1] <= cutoff {
			delete(g.history, id)
			removed++
		}
	}
	return removed
}

func (g *Gate) deny(p Principal, c Capability, reason Reason) Decision {
	g.logDenial(p, c, reason)
	return Decision{Allowed: false, Reason: reason, Capability: c}
}

func (g *Gate) logDenial(p Principal, c Capability, reason Reason) {
	g.logger.Debug("capability denied",
		"principal", p.ID,
		"role", p.Role,
		"capability", string(c),
		"reason", string(reason))
}

// trimCutoff drops timestamps at or before cutoff from a sorted history.
func trimCutoff(in []int64, cutoff int64) []int64 {
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func (r Reason) String() string { return string(r) }

func (c Capability) String() string { return string(c) }

// ParseCapability validates a capability token.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case TaskSubmit, TaskCancel, TaskRead, StreamSubscribe,
		ProviderGenerate, ProviderAdmin, ProcessRead, MetricsRead:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}
