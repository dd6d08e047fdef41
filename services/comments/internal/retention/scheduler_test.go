package retention

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/comment-tree/services/comments/internal/events"
	"github.com/example/comment-tree/services/comments/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func input(author string) store.NewComment {
	return store.NewComment{Author: author, Email: author + "@x.com", Content: "hello world this is long enough"}
}

func deletedIDs(t *testing.T, s store.CommentStore) []string {
	t.Helper()
	var ids []string
	_, err := s.FlushOutbox(context.Background(), store.FlushOptions{Limit: 1000}, func(_ context.Context, ev events.DomainEvent) error {
		if ev.EventType == events.TypeDeleted {
			ids = append(ids, ev.CommentID)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func TestSweep_EvictsOnlyOldRowsAndTheirSubtrees(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	st := store.NewInMemoryCommentStore(store.WithClock(clk.Now))

	old, err := st.CreateRoot(ctx, input("Old"))
	require.NoError(t, err)
	clk.Set(base.Add(9 * time.Minute))
	youngReply, err := st.CreateReply(ctx, old.ID, input("Reply"))
	require.NoError(t, err)
	young, err := st.CreateRoot(ctx, input("Young"))
	require.NoError(t, err)
	deletedIDs(t, st) // discard creation events

	clk.Set(base.Add(10 * time.Minute))
	notified := 0
	s := New(st, nil, zap.NewNop(), nil, Options{MaxAge: 5 * time.Minute},
		WithClock(clk.Now), WithNotify(func() { notified++ }))

	res, err := s.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, base.Add(5*time.Minute), res.Cutoff)

	_, err = st.FindByID(ctx, young.ID)
	assert.NoError(t, err)
	_, err = st.FindByID(ctx, youngReply.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "young descendant goes with its old ancestor")

	want := []string{old.ID, youngReply.ID}
	sort.Strings(want)
	assert.Equal(t, want, deletedIDs(t, st), "one deletion event per evicted row")

	stats := s.Stats()
	assert.EqualValues(t, 2, stats.TotalCleaned)
	assert.EqualValues(t, 1, stats.Runs)
	require.NotNil(t, stats.LastCleanup)
	assert.Equal(t, base.Add(10*time.Minute), *stats.LastCleanup)
	assert.Equal(t, 1, notified)

	// nothing left to evict: a second sweep is a benign no-op
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.EqualValues(t, 2, s.Stats().TotalCleaned)
	assert.Equal(t, 1, notified)
}

// gatedStore blocks DeleteOlderThan until release is closed.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedStore) DeleteOlderThan(ctx context.Context, _ time.Time) ([]string, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return []string{"a", "b"}, nil
}

func (g *gatedStore) Count(context.Context) (int64, error) { return 0, nil }

func TestSweep_OverlappingTriggersAreExclusive(t *testing.T) {
	g := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(g, nil, zap.NewNop(), nil, Options{})

	first := make(chan error, 1)
	go func() {
		_, err := s.Sweep(context.Background())
		first <- err
	}()
	<-g.entered

	for i := 0; i < 5; i++ {
		_, err := s.Trigger(context.Background())
		assert.ErrorIs(t, err, ErrSweepInProgress)
	}
	close(g.release)
	require.NoError(t, <-first)

	assert.EqualValues(t, 1, g.calls.Load())
	st := s.Stats()
	assert.EqualValues(t, 2, st.TotalCleaned)
	assert.EqualValues(t, 1, st.Runs)
	assert.Zero(t, st.Errors)
}

type failingStore struct {
	fail bool
}

func (f *failingStore) DeleteOlderThan(context.Context, time.Time) ([]string, error) {
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return []string{"x"}, nil
}

func (f *failingStore) Count(context.Context) (int64, error) {
	if f.fail {
		return 0, errors.New("connection reset")
	}
	return 7, nil
}

func TestSweep_FailureIsCountedAndRecoverable(t *testing.T) {
	fs := &failingStore{fail: true}
	s := New(fs, nil, zap.NewNop(), nil, Options{})

	_, err := s.Sweep(context.Background())
	var ev *EvictionError
	require.True(t, errors.As(err, &ev))
	assert.EqualValues(t, 1, s.Stats().Errors)
	assert.Zero(t, s.Stats().TotalCleaned)

	fs.fail = false
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.EqualValues(t, 1, s.Stats().Errors)
}

func TestResetStats(t *testing.T) {
	s := New(&failingStore{}, nil, zap.NewNop(), nil, Options{})
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Stats().TotalCleaned)

	s.ResetStats()
	assert.Equal(t, Stats{}, s.Stats())
}

type bigStore struct{}

func (bigStore) DeleteOlderThan(context.Context, time.Time) ([]string, error) {
	return make([]string, LargeSweepWarning+1), nil
}

func (bigStore) Count(context.Context) (int64, error) { return 0, nil }

func TestSweep_LargeSweepWarns(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := New(bigStore{}, nil, zap.New(core), nil, Options{})

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("large retention sweep").Len())
	assert.Equal(t, 1, logs.FilterMessage("retention sweep finished").Len())
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		s := New(&failingStore{}, nil, zap.NewNop(), nil, Options{},
			WithOutboxBacklog(func(context.Context) (int64, error) { return 3, nil }),
			WithProbe("broker", func(context.Context) error { return nil }))
		_, err := s.Sweep(ctx)
		require.NoError(t, err)

		h := s.Health(ctx)
		assert.Equal(t, StatusHealthy, h.Status)
		assert.EqualValues(t, 7, h.TotalRows)
		assert.EqualValues(t, 1, h.CumulativeEvicted)
		assert.NotNil(t, h.LastEvictionTimestamp)
		assert.EqualValues(t, 3, h.Pipeline.OutboxBacklog)
		assert.Equal(t, "ok", h.Pipeline.Components["broker"])
	})

	t.Run("degraded pipeline", func(t *testing.T) {
		s := New(&failingStore{}, nil, zap.NewNop(), nil, Options{},
			WithProbe("search", func(context.Context) error { return errors.New("unreachable") }))
		h := s.Health(ctx)
		assert.Equal(t, StatusDegraded, h.Status)
		assert.Equal(t, "unreachable", h.Pipeline.Components["search"])
	})

	t.Run("store down", func(t *testing.T) {
		s := New(&failingStore{fail: true}, nil, zap.NewNop(), nil, Options{})
		h := s.Health(ctx)
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.NotEmpty(t, h.Error)
	})
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 5m"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.Error(t, ValidateSchedule("every five minutes"))
}

func TestRun(t *testing.T) {
	t.Run("stops with context", func(t *testing.T) {
		s := New(&failingStore{}, nil, zap.NewNop(), nil, Options{Schedule: "@every 1h"})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("rejects bad schedule", func(t *testing.T) {
		s := New(&failingStore{}, nil, zap.NewNop(), nil, Options{Schedule: "bogus"})
		assert.Error(t, s.Run(context.Background()))
	})
}

func TestLocalLocker(t *testing.T) {
	var l LocalLocker
	unlock, ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(context.Background())
	assert.False(t, ok)

	unlock()
	_, ok, _ = l.TryLock(context.Background())
	assert.True(t, ok)
}
