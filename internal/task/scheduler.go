package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/metrics"
	"github.com/phrazzld/casework/internal/platform/tracing"
	"github.com/phrazzld/casework/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("scheduler is stopped")

const persistTimeout = 10 * time.Second

// Authorizer checks a capability for a principal.
type Authorizer interface {
	Require(p permission.Principal, c permission.Capability) error
}

// Feed is the part of the event stream the scheduler writes to.
type Feed interface {
	Open(taskID string)
	Publish(taskID string, rec events.Record) (events.Record, error)
	Finish(taskID string)
}

// Timer is a pending retry. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Deps are the collaborators a Scheduler needs. Executors is keyed by the
// executor name configured for each category.
type Deps struct {
	Registry  *registry.Registry
	Gate      Authorizer
	Stream    Feed
	Executors map[string]Executor
	Metrics   *metrics.Registry
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc replaces time.AfterFunc for retry timers.
func WithAfterFunc(f func(d time.Duration, fn func()) Timer) Option {
	return func(s *Scheduler) { s.afterFunc = f }
}

type job struct {
	task            Task
	seq             uint64
	index           int
	cancel          context.CancelFunc
	cancelRequested bool
	timer           Timer
}

type category struct {
	cfg      config.CategoryConfig
	exec     Executor
	queue    pending
	running  int
	reserved int
}

// Scheduler admits tasks into per-category queues and runs them within each
// category's concurrency ceiling.
type Scheduler struct {
	mu         sync.Mutex
	cfg        config.SchedulerConfig
	categories map[string]*category
	jobs       map[uuid.UUID]*job
	seq        uint64
	started    bool
	stopping   bool

	registry *registry.Registry
	gate     Authorizer
	stream   Feed
	metrics  *metrics.Registry
	logger   *slog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler. Every configured category must name an
// executor present in deps.Executors.
func NewScheduler(cfg config.SchedulerConfig, deps Deps, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if deps.Registry == nil || deps.Gate == nil || deps.Stream == nil {
		return nil, errors.New("scheduler requires a registry, a gate and an event stream")
	}
	if len(cfg.Categories) == 0 {
		return nil, errors.New("scheduler requires at least one category")
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 1
	}

	cats := make(map[string]*category, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if _, dup := cats[c.Name]; dup {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		if c.Ceiling <= 0 || c.Backlog <= 0 {
			return nil, fmt.Errorf("category %q needs a positive ceiling and backlog", c.Name)
		}
		exec, ok := deps.Executors[c.Executor]
		if !ok || exec == nil {
			return nil, fmt.Errorf("category %q: no executor named %q", c.Name, c.Executor)
		}
		cats[c.Name] = &category{cfg: c, exec: exec}
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.NewRegistry("casework")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		categories: cats,
		jobs:       make(map[uuid.UUID]*job),
		registry:   deps.Registry,
		gate:       deps.Gate,
		stream:     deps.Stream,
		metrics:    m,
		logger:     logger.With("component", "task_scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
		afterFunc: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates and registers a task and queues it for execution. It
// returns as soon as the task is durably recorded.
func (s *Scheduler) Submit(ctx context.Context, p permission.Principal, req SubmitRequest) (Handle, error) {
	if err := s.gate.Require(p, permission.TaskSubmit); err != nil {
		return Handle{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "task.submit",
		attribute.String("task.category", req.Category),
		attribute.String("task.case_id", req.CaseID))
	defer span.End()

	h, err := s.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrBackpressure) {
			s.metrics.Inc("tasks_rejected_total", metrics.Labels{"category": req.Category})
		}
		return Handle{}, err
	}
	span.SetAttributes(attribute.String("task.id", h.ID.String()))
	return h, nil
}

func (s *Scheduler) submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	t, err := s.validate(req)
	if err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return Handle{}, ErrStopped
	}
	cat := s.categories[t.Category]
	if cat.running+len(cat.queue)+cat.reserved >= cat.cfg.Ceiling+cat.cfg.Backlog {
		backlog := len(cat.queue) + cat.reserved
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "task rejected, category backlog full",
			"category", t.Category,
			"case_id", t.CaseID,
			"backlog", backlog)
		return Handle{}, &domain.BackpressureError{
			Category:   t.Category,
			Backlog:    backlog,
			RetryAfter: s.cfg.Retry.Base,
		}
	}
	cat.reserved++
	s.mu.Unlock()

	_, err = s.registry.Register(ctx, registry.Process{
		ID:          t.ID,
		CaseID:      t.CaseID,
		ProcessType: t.Category,
		Status:      registry.StatusQueued,
		Description: t.Description,
		Category:    t.Category,
		Priority:    string(t.Priority),
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
	})
	if err != nil {
		s.mu.Lock()
		cat.reserved--
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "failed to register task",
			"task_id", t.ID,
			"case_id", t.CaseID,
			"error", err)
		var perr *domain.PersistenceError
		if !errors.As(err, &perr) {
			err = &domain.PersistenceError{Op: "register task", Err: err}
		}
		return Handle{}, err
	}

	id := t.ID.String()
	s.stream.Open(id)
	s.publish(id, events.Info("task queued in %s at %s priority", t.Category, t.Priority).
		WithPayload(map[string]any{"state": string(StateQueued), "case_id": t.CaseID}))

	s.mu.Lock()
	cat.reserved--
	s.seq++
	j := &job{task: t, seq: s.seq, index: -1}
	s.jobs[t.ID] = j
	cat.queue.push(j)
	launch := s.admitLocked()
	s.mu.Unlock()
	s.launch(launch)

	s.metrics.Inc("tasks_submitted_total", metrics.Labels{"category": t.Category})
	s.logger.InfoContext(ctx, "task submitted",
		"task_id", t.ID,
		"case_id", t.CaseID,
		"category", t.Category,
		"priority", t.Priority)

	return Handle{ID: t.ID, CaseID: t.CaseID, Category: t.Category, State: StateQueued}, nil
}

func (s *Scheduler) validate(req SubmitRequest) (Task, error) {
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		return Task{}, domain.NewValidationError("case_id", "must not be empty")
	}
	if _, ok := s.categories[req.Category]; !ok {
		return Task{}, domain.NewValidationError("category", fmt.Sprintf("unknown category %q", req.Category))
	}
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		return Task{}, err
	}
	if req.MaxAttempts < 0 {
		return Task{}, domain.NewValidationError("max_attempts", "must not be negative")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return Task{}, domain.NewValidationError("payload", "must be valid JSON")
	}

	return Task{
		ID:          uuid.New(),
		CaseID:      caseID,
		Category:    req.Category,
		Priority:    prio,
		State:       StateQueued,
		MaxAttempts: maxAttempts,
		Description: req.Description,
		Payload:     req.Payload,
		SubmittedAt: s.now(),
	}, nil
}

// start is an admitted attempt waiting to be launched.
type start struct {
	j    *job
	ctx  context.Context
	task Task
	exec Executor
}

// admitLocked moves pending jobs to running while their category has free
// slots. The result must be passed to launch once s.mu is released.
func (s *Scheduler) admitLocked() []start {
	if !s.started || s.stopping {
		return nil
	}
	var out []start
	for _, cat := range s.categories {
		for cat.running < cat.cfg.Ceiling {
			j := cat.queue.pop()
			if j == nil {
				break
			}
			now := s.now()
			ctx, cancel := context.WithCancel(s.ctx)
			j.cancel = cancel
			j.task.State = StateRunning
			j.task.Attempt++
			j.task.StartedAt = &now
			j.task.NextAttemptAt = nil
			cat.running++
			s.wg.Add(1)
			out = append(out, start{j: j, ctx: ctx, task: j.task, exec: cat.exec})
		}
		s.gaugesLocked(cat)
	}
	return out
}

func (s *Scheduler) launch(starts []start) {
	for _, st := range starts {
		go s.execute(st)
	}
}

func (s *Scheduler) execute(st start) {
	defer s.wg.Done()

	t := st.task
	id := t.ID.String()
	attempt := t.Attempt
	noError := ""
	s.persist("mark running", registry.Update{
		ID:      t.ID,
		Status:  registry.StatusRunning,
		Attempt: &attempt,
		Error:   &noError,
	})
	s.publish(id, events.Info("attempt %d of %d started", t.Attempt, t.MaxAttempts).
		WithPayload(map[string]any{"state": string(StateRunning), "attempt": t.Attempt}))

	log := s.logger.With("task_id", id, "category", t.Category, "attempt", t.Attempt)
	log.Info("task started")

	ctx := events.ContextWithTaskID(st.ctx, id)
	ctx, span := tracing.StartSpan(ctx, "task.execute",
		attribute.String("task.id", id),
		attribute.String("task.category", t.Category),
		attribute.Int("task.attempt", t.Attempt))

	began := time.Now()
	result, err := s.run(ctx, st, log)
	elapsed := time.Since(began)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.metrics.Observe("task_duration", metrics.Labels{"category": t.Category}, elapsed)

	s.finish(st.j, result, err, elapsed)
}

// run calls the executor, turning a panic into a permanent failure.
func (s *Scheduler) run(ctx context.Context, st start, log *slog.Logger) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked", "panic", r)
			err = domain.Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return st.exec.Execute(ctx, &Run{Task: st.task, s: s, j: st.j})
}

func (s *Scheduler) finish(j *job, result json.RawMessage, runErr error, elapsed time.Duration) {
	s.mu.Lock()
	cat := s.categories[j.task.Category]
	cat.running--
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	if len(result) > 0 {
		j.task.Result = result
	}

	var delay time.Duration
	switch {
	case runErr == nil:
		j.task.State = StateCompleted
		j.task.Progress = 100
		j.task.Error = ""
	case j.cancelRequested:
		j.task.State = StateCancelled
		j.task.Error = "cancelled by request"
	case s.stopping:
		j.task.State = StateInterrupted
		j.task.Error = "interrupted: scheduler shut down"
	case domain.IsRetryable(runErr) && j.task.Attempt < j.task.MaxAttempts:
		j.task.State = StateRetrying
		j.task.Error = runErr.Error()
		delay = Backoff(s.cfg.Retry, j.task.Attempt)
		at := s.now().Add(delay)
		j.task.NextAttemptAt = &at
	default:
		j.task.State = StateFailed
		j.task.Error = runErr.Error()
	}
	if j.task.State.Terminal() {
		now := s.now()
		j.task.CompletedAt = &now
	}
	t := j.task
	launch := s.admitLocked()
	s.gaugesLocked(cat)
	s.mu.Unlock()
	s.launch(launch)

	id := t.ID.String()
	log := s.logger.With("task_id", id, "category", t.Category, "attempt", t.Attempt)
	labels := metrics.Labels{"category": t.Category}

	u := registry.Update{ID: t.ID, Status: registry.Status(t.State), Result: t.Result}
	if t.Error != "" {
		u.Error = &t.Error
	}
	s.persist("record outcome", u)

	switch t.State {
	case StateCompleted:
		s.metrics.Inc("tasks_completed_total", labels)
		log.Info("task completed", "duration_ms", elapsed.Milliseconds())
		s.publish(id, events.New(events.KindSuccess, "task completed").
			WithPayload(map[string]any{"state": string(t.State)}))
	case StateCancelled:
		s.metrics.Inc("tasks_cancelled_total", labels)
		log.Info("task cancelled")
		s.publish(id, events.Warning("task cancelled").
			WithPayload(map[string]any{"state": string(t.State)}))
	case StateInterrupted:
		log.Warn("task interrupted by shutdown")
		s.publish(id, events.New(events.KindError, "task interrupted by shutdown").
			WithPayload(map[string]any{"state": string(t.State)}))
	case StateRetrying:
		s.metrics.Inc("tasks_retried_total", labels)
		log.Warn("task attempt failed, retrying", "delay", delay, "error", runErr)
		s.publish(id, events.Warning("attempt %d failed, retrying in %s: %v", t.Attempt, delay, runErr).
			WithPayload(map[string]any{"state": string(t.State), "attempt": t.Attempt, "delay_ms": delay.Milliseconds()}))
		s.armRetry(j, delay)
		return
	case StateFailed:
		s.metrics.Inc("tasks_failed_total", labels)
		log.Error("task failed", "error", runErr)
		s.publish(id, events.New(events.KindError, "task failed after %d attempt(s): %v", t.Attempt, runErr).
			WithPayload(map[string]any{"state": string(t.State), "attempt": t.Attempt}))
	}
	s.retire(j)
}

// armRetry schedules j to re-enter its queue after delay unless it was
// cancelled in the meantime.
func (s *Scheduler) armRetry(j *job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.task.State != StateRetrying || s.stopping {
		return
	}
	j.timer = s.afterFunc(delay, func() { s.requeue(j) })
}

func (s *Scheduler) requeue(j *job) {
	s.mu.Lock()
	if j.task.State != StateRetrying || s.stopping || j.index >= 0 {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	cat := s.categories[j.task.Category]
	cat.queue.push(j)
	s.gaugesLocked(cat)
	launch := s.admitLocked()
	s.mu.Unlock()
	s.launch(launch)
}

// retire closes a terminal task's feed and drops it from memory. Its
// registry record remains the source for later status queries.
func (s *Scheduler) retire(j *job) {
	s.stream.Finish(j.task.ID.String())
	s.mu.Lock()
	delete(s.jobs, j.task.ID)
	s.mu.Unlock()
}

// Cancel stops a task. Queued and retrying tasks are cancelled at once; a
// running task is signalled and becomes cancelled when its executor returns.
func (s *Scheduler) Cancel(ctx context.Context, p permission.Principal, id uuid.UUID) (Task, error) {
	if err := s.gate.Require(p, permission.TaskCancel); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.cancelPersisted(ctx, id)
	}
	if j.task.State.Terminal() {
		state := j.task.State
		s.mu.Unlock()
		return Task{}, &domain.AlreadyTerminalError{ID: id.String(), State: string(state)}
	}

	if j.task.State == StateRunning {
		j.cancelRequested = true
		if j.cancel != nil {
			j.cancel()
		}
		t := j.task
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "cancellation requested for running task",
			"task_id", id,
			"principal", p.ID)
		s.publish(id.String(), events.Warning("cancellation requested"))
		return t, nil
	}

	// queued, or retrying with or without a pending timer
	cat := s.categories[j.task.Category]
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	cat.queue.remove(j)
	now := s.now()
	j.task.State = StateCancelled
	j.task.Error = "cancelled by request"
	j.task.CompletedAt = &now
	j.task.NextAttemptAt = nil
	s.gaugesLocked(cat)
	t := j.task
	s.mu.Unlock()

	s.persist("record cancellation", registry.Update{ID: id, Status: registry.StatusCancelled, Error: &t.Error})
	s.metrics.Inc("tasks_cancelled_total", metrics.Labels{"category": t.Category})
	s.logger.InfoContext(ctx, "task cancelled", "task_id", id, "principal", p.ID)
	s.publish(id.String(), events.Warning("task cancelled").
		WithPayload(map[string]any{"state": string(StateCancelled)}))
	s.retire(j)
	return t, nil
}

// cancelPersisted handles a task that is only known to the registry.
func (s *Scheduler) cancelPersisted(ctx context.Context, id uuid.UUID) (Task, error) {
	proc, err := s.registry.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if proc.Status.Terminal() {
		return Task{}, &domain.AlreadyTerminalError{ID: id.String(), State: string(proc.Status)}
	}
	reason := "cancelled by request"
	proc, err = s.registry.Update(ctx, registry.Update{ID: id, Status: registry.StatusCancelled, Error: &reason})
	if err != nil {
		return Task{}, err
	}
	return fromProcess(proc), nil
}

// Status returns the best-known state of a task.
func (s *Scheduler) Status(ctx context.Context, p permission.Principal, id uuid.UUID) (Task, error) {
	if err := s.gate.Require(p, permission.TaskRead); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		t := j.task
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	proc, err := s.registry.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return fromProcess(proc), nil
}

// List returns the tasks of a case, newest first.
func (s *Scheduler) List(ctx context.Context, p permission.Principal, caseID string) ([]Task, error) {
	if err := s.gate.Require(p, permission.TaskRead); err != nil {
		return nil, err
	}
	procs, err := s.registry.Query(ctx, caseID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(procs))
	for _, proc := range procs {
		if j, ok := s.jobs[proc.ID]; ok {
			out = append(out, j.task)
			continue
		}
		out = append(out, fromProcess(proc))
	}
	return out, nil
}

// Recover reconciles the registry with this (empty) scheduler: running
// records become interrupted, queued and retrying records are queued again
// with their attempt counters. It must be called before Start.
func (s *Scheduler) Recover(ctx context.Context) (registry.Report, error) {
	report, err := s.registry.ReconcileOnStartup(ctx, s.isLive)
	if err != nil {
		return report, err
	}

	for _, proc := range report.Interrupted {
		s.stream.Open(proc.ID.String())
		s.publish(proc.ID.String(), events.New(events.KindError, "task interrupted by restart"))
		s.stream.Finish(proc.ID.String())
	}

	recovered := 0
	for _, proc := range report.Recoverable {
		name := proc.Category
		if name == "" {
			name = proc.ProcessType
		}
		s.mu.Lock()
		cat, known := s.categories[name]
		_, live := s.jobs[proc.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		if !known {
			reason := fmt.Sprintf("category %q is no longer configured", name)
			s.persist("fail unrecoverable task", registry.Update{ID: proc.ID, Status: registry.StatusFailed, Error: &reason})
			s.logger.WarnContext(ctx, "recovered task has unknown category", "task_id", proc.ID, "category", name)
			continue
		}

		t := fromProcess(proc)
		t.Category = name
		t.Payload = proc.Payload
		t.NextAttemptAt = nil
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = s.cfg.DefaultMaxAttempts
		}

		s.stream.Open(proc.ID.String())
		s.mu.Lock()
		s.seq++
		j := &job{task: t, seq: s.seq, index: -1}
		s.jobs[t.ID] = j
		cat.queue.push(j)
		s.gaugesLocked(cat)
		s.mu.Unlock()
		s.publish(proc.ID.String(), events.Info("task recovered after restart"))
		recovered++
	}

	s.mu.Lock()
	launch := s.admitLocked()
	s.mu.Unlock()
	s.launch(launch)

	s.logger.InfoContext(ctx, "scheduler recovered",
		"interrupted", len(report.Interrupted),
		"requeued", recovered)
	return report, nil
}

func (s *Scheduler) isLive(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return ok && !j.task.State.Terminal()
}

// Start begins admitting queued tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.started = true
	launch := s.admitLocked()
	s.mu.Unlock()
	s.launch(launch)
	s.logger.Info("task scheduler started", "categories", len(s.categories))
}

// Stop stops admitting work, cancels running tasks and waits for them to
// return. Running tasks end interrupted; queued and retrying tasks stay in
// the registry for the next Recover.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
	}
	s.mu.Unlock()

	s.logger.Info("stopping task scheduler")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("task scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

func (s *Scheduler) gaugesLocked(cat *category) {
	labels := metrics.Labels{"category": cat.cfg.Name}
	s.metrics.Set("tasks_running", labels, float64(cat.running))
	s.metrics.Set("tasks_queued", labels, float64(len(cat.queue)))
}

func (s *Scheduler) publish(taskID string, rec events.Record) {
	if _, err := s.stream.Publish(taskID, rec); err != nil {
		s.logger.Debug("event not published", "task_id", taskID, "error", err)
	}
}

// persist mirrors a change into the registry. Failures are logged: the
// in-memory state stays authoritative for the running process.
func (s *Scheduler) persist(op string, u registry.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.registry.Update(ctx, u); err != nil {
		s.logger.Error("failed to mirror task state",
			"op", op,
			"task_id", u.ID,
			"status", u.Status,
			"error", err)
	}
}
