package events

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStreamEnded is returned by Next once a finished feed has been drained.
	ErrStreamEnded = errors.New("event stream ended")
	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Subscription is one observer's cursor over a task feed.
//
// The queue holds unread replay records followed by live records. Only live
// records count toward the limit; when it is reached, the oldest live record
// is folded into a gap marker at the head of the live region.
type Subscription struct {
	taskID string

	mu       sync.Mutex
	queue    []Record
	replay   int // unread replay records at the front of queue
	live     int // non-gap live records in queue
	limit    int
	notify   chan struct{}
	ended    bool
	closed   bool
	dropped  uint64
	onClose  func(*Subscription)
	closeOne sync.Once
}

func newSubscription(taskID string, replay []Record, limit int, onClose func(*Subscription)) *Subscription {
	return &Subscription{
		taskID:  taskID,
		queue:   replay,
		replay:  len(replay),
		limit:   limit,
		notify:  make(chan struct{}, 1),
		onClose: onClose,
	}
}

// TaskID returns the task this subscription follows.
func (s *Subscription) TaskID() string { return s.taskID }

// push enqueues a live record and reports whether an older record was dropped.
func (s *Subscription) push(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return false
	}

	dropped := false
	if s.live >= s.limit {
		head := s.replay
		if s.queue[head].Kind == KindGap {
			// fold the record after the gap marker into it
			extendGap(&s.queue[head], s.queue[head+1])
			s.queue = append(s.queue[:head+1], s.queue[head+2:]...)
		} else {
			s.queue[head] = newGap(s.taskID, s.queue[head])
		}
		s.live--
		s.dropped++
		dropped = true
	}

	s.queue = append(s.queue, rec)
	s.live++
	s.signal()
	return dropped
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next record, blocking until one is available, the feed
// ends, the subscription is closed or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Record, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Record{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			rec := s.queue[0]
			s.queue[0] = Record{}
			s.queue = s.queue[1:]
			switch {
			case s.replay > 0:
				s.replay--
			case rec.Kind != KindGap:
				s.live--
			}
			s.mu.Unlock()
			return rec, nil
		}
		if s.ended {
			s.mu.Unlock()
			return Record{}, ErrStreamEnded
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped reports how many records were collapsed into gap markers.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from its feed. It is safe to call twice.
func (s *Subscription) Close() {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.signal()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
