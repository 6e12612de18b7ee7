package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(cfg Config) *Stream {
	return NewStream(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func nextWithin(t *testing.T, sub *Subscription) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	return rec
}

func publishN(t *testing.T, s *Stream, taskID string, from, to int) {
	t.Helper()
	s.Open(taskID)
	for i := from; i <= to; i++ {
		_, err := s.Publish(taskID, Info("line %d", i))
		require.NoError(t, err)
	}
}

func TestPublishAssignsSequences(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})
	s.Open("t1")
	s.Open("t2")

	a, err := s.Publish("t1", Info("first"))
	require.NoError(t, err)
	b, err := s.Publish("t1", Warning("second"))
	require.NoError(t, err)
	other, err := s.Publish("t2", Info("other task"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(2), b.Sequence)
	assert.Equal(t, uint64(1), other.Sequence)
	assert.Equal(t, "t1", a.TaskID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})

	_, err := s.Publish("", Info("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Publish("t", Record{Kind: KindGap})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentPublishersYieldStrictlyIncreasingSequences(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{RetainedSize: 10, SubscriberBuffer: 5000})
	s.Open("t")
	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	defer sub.Close()

	const publishers, each = 20, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, _ = s.Publish("t", Info("p%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	var last uint64
	for i := 0; i < publishers*each; i++ {
		rec := nextWithin(t, sub)
		require.Greater(t, rec.Sequence, last)
		last = rec.Sequence
	}
	assert.Equal(t, uint64(publishers*each), last)
	assert.Zero(t, sub.Dropped())
}

func TestLateSubscriberReplaysThenStreamsLive(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{RetainedSize: 1000, SubscriberBuffer: 256})

	publishN(t, s, "t", 1, 50)

	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	defer sub.Close()

	for want := uint64(1); want <= 50; want++ {
		rec := nextWithin(t, sub)
		require.Equal(t, want, rec.Sequence)
		require.Equal(t, fmt.Sprintf("line %d", want), rec.Message)
	}

	publishN(t, s, "t", 51, 100)
	for want := uint64(51); want <= 100; want++ {
		require.Equal(t, want, nextWithin(t, sub).Sequence)
	}
}

func TestRetainedBufferTruncatesOldest(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{RetainedSize: 5})
	publishN(t, s, "t", 1, 8)

	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	defer sub.Close()

	for want := uint64(4); want <= 8; want++ {
		assert.Equal(t, want, nextWithin(t, sub).Sequence)
	}
}

func TestLaggingSubscriberGetsSingleGapPerBatch(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{SubscriberBuffer: 4})
	s.Open("t")
	slow, err := s.Subscribe("t")
	require.NoError(t, err)
	defer slow.Close()
	idle, err := s.Subscribe("t")
	require.NoError(t, err)
	defer idle.Close()

	done := make(chan struct{})
	go func() {
		publishN(t, s, "t", 1, 10)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a lagging subscriber")
	}

	gap := nextWithin(t, slow)
	require.Equal(t, KindGap, gap.Kind)
	info, ok := gap.GapInfo()
	require.True(t, ok)
	assert.Equal(t, Gap{From: 1, To: 6, Dropped: 6}, info)
	assert.Equal(t, uint64(6), gap.Sequence)

	for want := uint64(7); want <= 10; want++ {
		rec := nextWithin(t, slow)
		assert.Equal(t, KindInfo, rec.Kind)
		assert.Equal(t, want, rec.Sequence)
	}
	assert.Equal(t, uint64(6), slow.Dropped())

	// a second batch of drops yields a second, separate marker
	publishN(t, s, "t", 11, 16)
	gap = nextWithin(t, slow)
	info, _ = gap.GapInfo()
	assert.Equal(t, Gap{From: 11, To: 12, Dropped: 2}, info)
	assert.Equal(t, uint64(13), nextWithin(t, slow).Sequence)

	assert.Equal(t, uint64(8), slow.Dropped())

	// idle never read: 6 dropped in the first batch, then every new record
	// folds one more into its existing marker
	assert.Equal(t, uint64(12), idle.Dropped())
	assert.Equal(t, uint64(20), s.Stats().Dropped)
}

func TestReplayRecordsDoNotCountTowardLimit(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{RetainedSize: 100, SubscriberBuffer: 2})
	publishN(t, s, "t", 1, 20)

	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	defer sub.Close()
	publishN(t, s, "t", 21, 22)

	var seqs []uint64
	for i := 0; i < 22; i++ {
		seqs = append(seqs, nextWithin(t, sub).Sequence)
	}
	assert.Equal(t, uint64(1), seqs[0])
	assert.Equal(t, uint64(22), seqs[21])
	assert.Zero(t, sub.Dropped())
}

func TestFinishEndsSubscribers(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})
	publishN(t, s, "t", 1, 2)
	sub, err := s.Subscribe("t")
	require.NoError(t, err)

	s.Finish("t")
	s.Finish("t")

	assert.Equal(t, uint64(1), nextWithin(t, sub).Sequence)
	assert.Equal(t, uint64(2), nextWithin(t, sub).Sequence)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)

	_, err = s.Publish("t", Info("late"))
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	// subscribing during the grace period replays and then ends
	late, err := s.Subscribe("t")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nextWithin(t, late).Sequence)
	assert.Equal(t, uint64(2), nextWithin(t, late).Sequence)
	_, err = late.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestSweepAfterGrace(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{RetentionGrace: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	publishN(t, s, "done", 1, 1)
	publishN(t, s, "active", 1, 1)
	s.Finish("done")

	assert.Equal(t, 0, s.Sweep())
	now = now.Add(time.Minute)
	assert.Equal(t, 1, s.Sweep())

	_, err := s.Subscribe("done")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Subscribe("active")
	assert.NoError(t, err)

	// a swept feed is not silently recreated
	_, err = s.Publish("done", Info("straggler"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Subscribe("done")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, s.Stats().Feeds)
}

func TestPublishToUnknownFeed(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})

	_, err := s.Publish("never-opened", Info("x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, s.Stats().Feeds)
	assert.Zero(t, s.Stats().Published)
}

func TestSubscribeUnknownAndOpen(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})

	_, err := s.Subscribe("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s.Open("queued")
	sub, err := s.Subscribe("queued")
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Publish("queued", Info("started"))
	}()
	assert.Equal(t, "started", nextWithin(t, sub).Message)
}

func TestCloseDetaches(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})
	s.Open("t")
	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Subscribers)

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, s.Stats().Subscribers)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	_, err = s.Publish("t", Info("after close"))
	assert.NoError(t, err)
}

func TestNextHonorsContext(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{})
	s.Open("t")
	sub, err := s.Subscribe("t")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopEndsSubscriptions(t *testing.T) {
	t.Parallel()
	s := newTestStream(Config{JanitorInterval: 10 * time.Millisecond})
	s.Start()
	s.Open("t")
	sub, err := s.Subscribe("t")
	require.NoError(t, err)

	s.Stop()

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestTaskIDContext(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", TaskIDFromContext(context.Background()))
	assert.Equal(t, "abc", TaskIDFromContext(ContextWithTaskID(context.Background(), "abc")))
}
