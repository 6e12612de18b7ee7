package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/casework/internal/domain"
)

// Config sizes the stream.
type Config struct {
	// RetainedSize is how many records per task are kept for replay.
	RetainedSize int
	// SubscriberBuffer is how many live records a subscriber may have queued
	// before the oldest are collapsed into a gap marker.
	SubscriberBuffer int
	// RetentionGrace is how long a finished feed stays subscribable.
	RetentionGrace time.Duration
	// JanitorInterval is how often finished feeds are swept.
	JanitorInterval time.Duration
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		RetainedSize:     1000,
		SubscriberBuffer: 256,
		RetentionGrace:   10 * time.Minute,
		JanitorInterval:  time.Minute,
	}
}

// Publisher is the write side of the stream.
type Publisher interface {
	Publish(taskID string, rec Record) (Record, error)
}

// feed is one task's retained records and live subscribers.
type feed struct {
	mu         sync.Mutex
	ring       *ring
	lastSeq    uint64
	subs       map[*Subscription]struct{}
	finished   bool
	finishedAt time.Time
}

// Stats is a point-in-time summary for metrics.
type Stats struct {
	Feeds       int
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Stream owns the event feeds of all tasks.
type Stream struct {
	mu     sync.Mutex
	feeds  map[string]*feed
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Publisher = (*Stream)(nil)

// NewStream creates a Stream. Zero config fields take their defaults.
func NewStream(cfg Config, logger *slog.Logger) *Stream {
	def := DefaultConfig()
	if cfg.RetainedSize <= 0 {
		cfg.RetainedSize = def.RetainedSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.RetentionGrace <= 0 {
		cfg.RetentionGrace = def.RetentionGrace
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	return &Stream{
		feeds:  make(map[string]*feed),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "event_stream"),
	}
}

// Open creates the feed for taskID if it does not exist yet, so observers can
// subscribe before the first record is published.
func (s *Stream) Open(taskID string) {
	s.getOrCreate(taskID)
}

func (s *Stream) getOrCreate(taskID string) *feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[taskID]
	if !ok {
		f = &feed{ring: newRing(s.cfg.RetainedSize), subs: make(map[*Subscription]struct{})}
		s.feeds[taskID] = f
	}
	return f
}

func (s *Stream) get(taskID string) (*feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[taskID]
	return f, ok
}

// Publish appends rec to the task's feed, assigning the next sequence number
// and a timestamp if none is set, and hands it to every subscriber without
// blocking. It returns the stored record. The feed must have been created
// with Open; publishing to an unknown or swept feed fails with ErrNotFound.
func (s *Stream) Publish(taskID string, rec Record) (Record, error) {
	if taskID == "" {
		return Record{}, domain.NewValidationError("task_id", "must not be empty")
	}
	if !rec.Kind.Valid() {
		return Record{}, domain.NewValidationError("kind", fmt.Sprintf("unknown kind %q", rec.Kind))
	}

	f, ok := s.get(taskID)
	if !ok {
		return Record{}, fmt.Errorf("%w: event stream for task %s", domain.ErrNotFound, taskID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return Record{}, &domain.AlreadyTerminalError{ID: taskID, State: "finished"}
	}

	f.lastSeq++
	rec.TaskID = taskID
	rec.Sequence = f.lastSeq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	f.ring.add(rec)

	for sub := range f.subs {
		if sub.push(rec) {
			s.dropped.Add(1)
		}
	}
	s.published.Add(1)
	return rec, nil
}

// Subscribe returns a cursor that first yields the retained records, then
// live ones. Subscribing to a finished feed replays it and then ends.
func (s *Stream) Subscribe(taskID string) (*Subscription, error) {
	f, ok := s.get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: event stream for task %s", domain.ErrNotFound, taskID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sub := newSubscription(taskID, f.ring.all(), s.cfg.SubscriberBuffer, func(sub *Subscription) {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
	})
	if f.finished {
		sub.end()
	} else {
		f.subs[sub] = struct{}{}
	}
	return sub, nil
}

// Finish marks the task's feed terminal. Subscribers drain what is queued and
// then see ErrStreamEnded. The feed is removed after the retention grace.
func (s *Stream) Finish(taskID string) {
	f, ok := s.get(taskID)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	f.finishedAt = s.now()
	for sub := range f.subs {
		sub.end()
	}
	f.subs = make(map[*Subscription]struct{})
}

// Sweep removes finished feeds whose retention grace has elapsed.
func (s *Stream) Sweep() int {
	cutoff := s.now().Add(-s.cfg.RetentionGrace)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, f := range s.feeds {
		f.mu.Lock()
		expired := f.finished && !f.finishedAt.After(cutoff)
		f.mu.Unlock()
		if expired {
			delete(s.feeds, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept finished event feeds", "removed", removed, "remaining", len(s.feeds))
	}
	return removed
}

// Start runs the janitor until Stop is called.
func (s *Stream) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop halts the janitor and ends every open subscription.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.mu.Lock()
		for sub := range f.subs {
			sub.end()
		}
		f.subs = make(map[*Subscription]struct{})
		f.mu.Unlock()
	}
}

// Stats reports feed and subscriber counts and lifetime counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	st := Stats{Feeds: len(feeds), Published: s.published.Load(), Dropped: s.dropped.Load()}
	for _, f := range feeds {
		f.mu.Lock()
		st.Subscribers += len(f.subs)
		f.mu.Unlock()
	}
	return st
}
