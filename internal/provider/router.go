package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Config tunes health escalation and timeouts.
type Config struct {
	// UnavailableThreshold is how many consecutive failures take a backend
	// out of rotation.
	UnavailableThreshold int
	// StatsWindow is how many recent outcomes feed the error ratio.
	StatsWindow int
	// DefaultTimeout bounds a Generate call when the request sets none.
	DefaultTimeout time.Duration
	// HealthInterval is the period of the background probe loop.
	HealthInterval time.Duration
}

// Tier registers a backend at a rank. Lower ranks are tried first.
type Tier struct {
	Backend Backend
	Rank    int
	Timeout time.Duration
}

// Attempt records one backend tried during a Generate call.
type Attempt struct {
	BackendID string        `json:"backend_id"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Response is the answer of whichever backend served the call.
type Response struct {
	BackendID string        `json:"backend_id"`
	Kind      string        `json:"kind"`
	Text      string        `json:"text"`
	Fallback  bool          `json:"fallback"`
	Attempts  []Attempt     `json:"attempts,omitempty"`
	Latency   time.Duration `json:"latency"`
}

type entry struct {
	backend  Backend
	rank     int
	timeout  time.Duration
	terminal bool

	health      Health
	consecutive int
	lastErr     string
	lastChecked time.Time
	stats       stats
}

// Router sends analysis requests to the best available backend and falls
// back down the chain on failure. The static rules tier is always last.
type Router struct {
	mu      sync.Mutex
	entries []*entry
	active  string

	cfg       Config
	publisher events.Publisher
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Router.
type Option func(*Router)

// WithPublisher makes the router announce fallbacks into task event feeds.
func WithPublisher(p events.Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

// NewRouter builds a router over tiers, appending the static rules tier.
func NewRouter(cfg Config, tiers []Tier, logger *slog.Logger, opts ...Option) (*Router, error) {
	if cfg.UnavailableThreshold <= 0 {
		cfg.UnavailableThreshold = 3
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 50
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}

	static := NewStaticRulesBackend()
	now := time.Now()
	seen := map[string]bool{static.ID(): true}
	maxRank := 0
	entries := make([]*entry, 0, len(tiers)+1)
	for _, t := range tiers {
		if t.Backend == nil {
			return nil, errors.New("provider tier has no backend")
		}
		id := t.Backend.ID()
		if seen[id] {
			return nil, fmt.Errorf("duplicate provider backend id %q", id)
		}
		seen[id] = true
		if t.Rank > maxRank {
			maxRank = t.Rank
		}
		entries = append(entries, &entry{
			backend: t.Backend,
			rank:    t.Rank,
			timeout: t.Timeout,
			health:  Healthy,
			stats:   newStats(cfg.StatsWindow, now),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })
	entries = append(entries, &entry{
		backend:  static,
		rank:     maxRank + 1,
		terminal: true,
		health:   Healthy,
		stats:    newStats(cfg.StatsWindow, now),
	})

	r := &Router{
		entries: entries,
		cfg:     cfg,
		logger:  logger.With("component", "provider_router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// plan returns the backends to try, in order: the active override if it is
// not unavailable, then every other reachable backend by rank with degraded
// ones losing ties, then the static tier.
func (r *Router) plan() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entry, 0, len(r.entries))
	var terminal *entry
	var rest []*entry
	for _, e := range r.entries {
		switch {
		case e.terminal:
			terminal = e
		case e.health == Unavailable:
		case r.active != "" && e.backend.ID() == r.active:
			out = append(out, e)
		default:
			rest = append(rest, e)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].rank != rest[j].rank {
			return rest[i].rank < rest[j].rank
		}
		return rest[i].health == Healthy && rest[j].health == Degraded
	})
	out = append(out, rest...)
	return append(out, terminal)
}

// Generate answers req from the first backend that succeeds. Each network
// attempt is bounded by the smaller of the backend timeout and what is left
// of the request budget. A failed backend is charged one failure and not
// retried within the call. A backend returning ErrDeclined is passed over
// without being charged.
func (r *Router) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, domain.NewValidationError("prompt", "must not be empty")
	}
	budget := req.Timeout
	if budget <= 0 {
		budget = r.cfg.DefaultTimeout
	}

	ctx, span := otel.Tracer("casework/provider").Start(ctx, "provider.generate")
	defer span.End()

	started := time.Now()
	deadline := started.Add(budget)
	taskID := events.TaskIDFromContext(ctx)
	plan := r.plan()

	var attempts []Attempt
	failed := 0
	for i, e := range plan {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		id := e.backend.ID()
		var (
			text    string
			err     error
			elapsed time.Duration
		)
		if e.terminal {
			t0 := time.Now()
			text, err = e.backend.Generate(ctx, req)
			elapsed = time.Since(t0)
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				attempts = append(attempts, Attempt{BackendID: id, Error: "skipped: request budget exhausted"})
				continue
			}
			timeout := e.timeout
			if timeout <= 0 || timeout > remaining {
				timeout = remaining
			}
			actx, cancel := context.WithTimeout(ctx, timeout)
			t0 := time.Now()
			text, err = e.backend.Generate(actx, req)
			elapsed = time.Since(t0)
			cancel()
			if err != nil && ctx.Err() != nil {
				// the caller gave up; the backend is not at fault
				return Response{}, ctx.Err()
			}
		}

		if err == nil {
			r.recordCall(e, nil, elapsed)
			span.SetAttributes(
				attribute.String("provider.backend", id),
				attribute.Int("provider.attempts", len(attempts)+1),
			)
			return Response{
				BackendID: id,
				Kind:      e.backend.Kind(),
				Text:      text,
				Fallback:  failed > 0,
				Attempts:  append(attempts, Attempt{BackendID: id, Latency: elapsed}),
				Latency:   time.Since(started),
			}, nil
		}

		if errors.Is(err, ErrDeclined) {
			attempts = append(attempts, Attempt{BackendID: id, Error: err.Error(), Latency: elapsed})
			continue
		}

		failed++
		r.recordCall(e, err, elapsed)
		attempts = append(attempts, Attempt{BackendID: id, Error: err.Error(), Latency: elapsed})
		if i+1 < len(plan) {
			r.announceFallback(ctx, taskID, id, plan[i+1].backend.ID(), err)
		}
	}

	err := &domain.BackendUnavailableError{BackendID: "all", Err: errors.New("every provider tier failed")}
	span.SetStatus(codes.Error, err.Error())
	return Response{}, err
}

func (r *Router) announceFallback(ctx context.Context, taskID, failed, next string, cause error) {
	r.logger.WarnContext(ctx, "provider backend failed, falling back",
		"backend", failed,
		"next", next,
		"task_id", taskID,
		"error", cause)

	if r.publisher == nil || taskID == "" {
		return
	}
	rec := events.Warning("analysis backend %s failed, falling back to %s", failed, next).
		WithPayload(map[string]any{"backend": failed, "next": next, "error": cause.Error()})
	if _, err := r.publisher.Publish(taskID, rec); err != nil {
		r.logger.DebugContext(ctx, "could not publish fallback notice", "task_id", taskID, "error", err)
	}
}

// recordCall charges the outcome of a Generate attempt.
func (r *Router) recordCall(e *entry, err error, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.stats.requests++
	if err != nil {
		e.stats.errors++
	}
	r.transition(e, err, latency)
}

// recordProbe charges the outcome of a health probe.
func (r *Router) recordProbe(e *entry, err error, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.stats.probes++
	if err != nil {
		e.stats.probeFailures++
	}
	e.lastChecked = time.Now()
	r.transition(e, err, latency)
}

// transition applies the escalation policy: one failure degrades, the
// threshold of consecutive failures makes a backend unavailable, and any
// success restores it. Callers hold r.mu.
func (r *Router) transition(e *entry, err error, latency time.Duration) {
	e.stats.observe(err != nil, latency)
	prev := e.health
	if err == nil {
		e.consecutive = 0
		e.health = Healthy
	} else {
		e.consecutive++
		e.lastErr = err.Error()
		if e.terminal {
			// the last tier is never taken out of rotation
			e.health = Degraded
		} else if e.consecutive >= r.cfg.UnavailableThreshold {
			e.health = Unavailable
		} else {
			e.health = Degraded
		}
	}
	if prev != e.health {
		r.logger.Info("provider backend health changed",
			"backend", e.backend.ID(),
			"from", prev,
			"to", e.health,
			"consecutive_failures", e.consecutive)
	}
}

// HealthCheck probes every backend concurrently and returns the updated
// statistics. A successful probe is the only way out of Unavailable.
func (r *Router) HealthCheck(ctx context.Context) ([]BackendStatus, error) {
	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			latency, err := r.probe(gctx, e)
			if ctx.Err() != nil {
				return nil
			}
			r.recordProbe(e, err, latency)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Statistics(), nil
}

func (r *Router) probe(ctx context.Context, e *entry) (time.Duration, error) {
	timeout := e.timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t0 := time.Now()
	err := e.backend.HealthCheck(pctx)
	return time.Since(t0), err
}

// StartHealthLoop probes all backends every HealthInterval until Stop.
func (r *Router) StartHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.HealthCheck(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("provider health check failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the health loop.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// SwitchActive makes id the first backend tried, after it passes a probe.
// An empty id clears the override.
func (r *Router) SwitchActive(ctx context.Context, id string) error {
	if id == "" {
		r.mu.Lock()
		r.active = ""
		r.mu.Unlock()
		r.logger.InfoContext(ctx, "provider override cleared")
		return nil
	}

	e := r.find(id)
	if e == nil {
		return fmt.Errorf("%w: provider backend %s", domain.ErrNotFound, id)
	}

	latency, err := r.probe(ctx, e)
	r.recordProbe(e, err, latency)
	if err != nil {
		return &domain.BackendUnavailableError{BackendID: id, Err: err}
	}

	r.mu.Lock()
	r.active = id
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "provider override set", "backend", id)
	return nil
}

func (r *Router) find(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.backend.ID() == id {
			return e
		}
	}
	return nil
}

// Statistics returns a snapshot of every backend in rank order.
func (r *Router) Statistics() []BackendStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BackendStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, BackendStatus{
			ID:                  e.backend.ID(),
			Kind:                e.backend.Kind(),
			Rank:                e.rank,
			Health:              e.health,
			Active:              r.active == e.backend.ID(),
			Requests:            e.stats.requests,
			Errors:              e.stats.errors,
			Probes:              e.stats.probes,
			ProbeFailures:       e.stats.probeFailures,
			ConsecutiveFailures: e.consecutive,
			AvgLatencyMS:        e.stats.latencyMS,
			ErrorRatio:          e.stats.errorRatio(),
			LastError:           e.lastErr,
			LastChecked:         e.lastChecked,
			Since:               e.stats.since,
		})
	}
	return out
}

// ResetStatistics zeroes every counter. Health is left as is.
func (r *Router) ResetStatistics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, e := range r.entries {
		e.stats.reset(now)
	}
	r.logger.Info("provider statistics reset")
}
