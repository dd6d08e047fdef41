package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/comment-tree/services/comments/internal/events"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) CommentStore

func input(author string) NewComment {
	return NewComment{Author: author, Email: author + "@x.com", Content: "hello world this is long enough"}
}

// drain publishes every pending event into a slice.
func drain(t *testing.T, s CommentStore) []events.DomainEvent {
	t.Helper()
	var got []events.DomainEvent
	_, err := s.FlushOutbox(context.Background(), FlushOptions{Limit: 1000}, func(_ context.Context, ev events.DomainEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	return got
}

func collectIDs(n Node, into map[string]Node) {
	into[n.ID] = n
	for _, r := range n.Replies {
		collectIDs(r, into)
	}
}

func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("root and reply levels", func(t *testing.T) {
		s := factory(t, newTestClock())
		root, err := s.CreateRoot(ctx, input("Ann"))
		require.NoError(t, err)
		assert.Equal(t, 0, root.Level)
		assert.Nil(t, root.ParentID)

		reply, err := s.CreateReply(ctx, root.ID, input("Bo"))
		require.NoError(t, err)
		assert.Equal(t, 1, reply.Level)
		require.NotNil(t, reply.ParentID)
		assert.Equal(t, root.ID, *reply.ParentID)

		deeper, err := s.CreateReply(ctx, reply.ID, input("Cy"))
		require.NoError(t, err)
		assert.Equal(t, 2, deeper.Level)
		assert.False(t, deeper.CreatedAt.Before(reply.CreatedAt))
	})

	t.Run("reply to missing parent", func(t *testing.T) {
		s := factory(t, newTestClock())
		_, err := s.CreateReply(ctx, "8a0c3c0e-4a8e-4b5b-9a55-9c1b7a1d2e3f", input("Bo"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.CreateReply(ctx, "not-a-uuid", input("Bo"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find all orders and bounds depth", func(t *testing.T) {
		s := factory(t, newTestClock())
		older, err := s.CreateRoot(ctx, input("Old"))
		require.NoError(t, err)
		newer, err := s.CreateRoot(ctx, input("New"))
		require.NoError(t, err)

		r1, err := s.CreateReply(ctx, older.ID, input("R1"))
		require.NoError(t, err)
		r2, err := s.CreateReply(ctx, older.ID, input("R2"))
		require.NoError(t, err)
		g1, err := s.CreateReply(ctx, r1.ID, input("G1"))
		require.NoError(t, err)
		_, err = s.CreateReply(ctx, g1.ID, input("GG1"))
		require.NoError(t, err)

		all, err := s.FindAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, newer.ID, all[0].ID, "roots newest first")
		assert.Equal(t, older.ID, all[1].ID)
		assert.Empty(t, all[0].Replies)

		replies := all[1].Replies
		require.Len(t, replies, 2)
		assert.Equal(t, r1.ID, replies[0].ID, "replies oldest first")
		assert.Equal(t, r2.ID, replies[1].ID)
		require.Len(t, replies[0].Replies, 1)
		assert.Equal(t, g1.ID, replies[0].Replies[0].ID)
		assert.Empty(t, replies[0].Replies[0].Replies, "third reply level is not eagerly loaded")

		byID, err := s.FindByID(ctx, r1.ID)
		require.NoError(t, err)
		require.Len(t, byID.Replies, 1)
		require.Len(t, byID.Replies[0].Replies, 1, "depth is relative to the requested node")
	})

	t.Run("find by id and homepage", func(t *testing.T) {
		s := factory(t, newTestClock())
		hp := "https://ann.example"
		in := input("Ann")
		in.Homepage = &hp
		first, err := s.CreateRoot(ctx, in)
		require.NoError(t, err)
		_, err = s.CreateRoot(ctx, in)
		require.NoError(t, err)

		got, err := s.FindByHomepage(ctx, hp)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID, "earliest match wins")

		_, err = s.FindByHomepage(ctx, "https://nobody.example")
		assert.ErrorIs(t, err, ErrNotFound)

		got, err = s.FindByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ann", got.Author)

		_, err = s.FindByID(ctx, "8a0c3c0e-4a8e-4b5b-9a55-9c1b7a1d2e3f")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("cascade delete", func(t *testing.T) {
		s := factory(t, newTestClock())
		root, err := s.CreateRoot(ctx, input("Ann"))
		require.NoError(t, err)
		other, err := s.CreateRoot(ctx, input("Zed"))
		require.NoError(t, err)
		reply, err := s.CreateReply(ctx, root.ID, input("Bo"))
		require.NoError(t, err)
		grand, err := s.CreateReply(ctx, reply.ID, input("Cy"))
		require.NoError(t, err)
		drain(t, s)

		removed, err := s.Delete(ctx, root.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{root.ID, reply.ID, grand.ID}, removed)

		all, err := s.FindAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, other.ID, all[0].ID)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		evs := drain(t, s)
		require.Len(t, evs, 3, "one deleted event per removed row")
		seen := map[string]bool{}
		for _, ev := range evs {
			assert.Equal(t, events.TypeDeleted, ev.EventType)
			seen[ev.CommentID] = true
		}
		assert.True(t, seen[root.ID] && seen[reply.ID] && seen[grand.ID])

		_, err = s.Delete(ctx, root.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.CreateReply(ctx, reply.ID, input("Late"))
		assert.ErrorIs(t, err, ErrNotFound, "no orphans under a deleted node")
	})

	t.Run("creation events", func(t *testing.T) {
		s := factory(t, newTestClock())
		root, err := s.CreateRoot(ctx, input("Ann"))
		require.NoError(t, err)
		reply, err := s.CreateReply(ctx, root.ID, input("Bo"))
		require.NoError(t, err)

		evs := drain(t, s)
		require.Len(t, evs, 2)
		assert.Equal(t, events.TypeCreated, evs[0].EventType)
		assert.Equal(t, root.ID, evs[0].CommentID)
		assert.Equal(t, events.TypeReplyCreated, evs[1].EventType)
		assert.Equal(t, reply.ID, evs[1].CommentID)
		require.NotNil(t, evs[1].Level)
		assert.Equal(t, 1, *evs[1].Level)
		assert.Empty(t, drain(t, s), "published events are not redelivered by the outbox")
	})

	t.Run("delete older than", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		old, err := s.CreateRoot(ctx, input("Old"))
		require.NoError(t, err)
		clock.Advance(9 * time.Minute)
		youngReply, err := s.CreateReply(ctx, old.ID, input("Young"))
		require.NoError(t, err)
		fresh, err := s.CreateRoot(ctx, input("Fresh"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
		drain(t, s)

		cutoff := clock.Now().Add(-5 * time.Minute)
		removed, err := s.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{old.ID, youngReply.ID}, removed, "young descendants go with their old ancestor")

		all, err := s.FindAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, fresh.ID, all[0].ID)
		assert.Len(t, drain(t, s), 2)

		removed, err = s.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, removed, "second sweep over the same rows is a no-op")
		assert.Empty(t, drain(t, s))
	})

	t.Run("scan since watermark", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		for i := 0; i < 5; i++ {
			_, err := s.CreateRoot(ctx, input("A"))
			require.NoError(t, err)
		}
		clock.Advance(time.Hour)
		mark := clock.Now()
		var recent []string
		for i := 0; i < 3; i++ {
			c, err := s.CreateRoot(ctx, input("B"))
			require.NoError(t, err)
			recent = append(recent, c.ID)
		}

		var all, since []string
		pages := 0
		require.NoError(t, s.Scan(ctx, time.Time{}, 2, func(cs []Comment) error {
			pages++
			for _, c := range cs {
				all = append(all, c.ID)
			}
			return nil
		}))
		assert.Len(t, all, 8)
		assert.Equal(t, 4, pages)

		require.NoError(t, s.Scan(ctx, mark, 10, func(cs []Comment) error {
			for _, c := range cs {
				since = append(since, c.ID)
			}
			return nil
		}))
		assert.Equal(t, recent, since)
	})

	t.Run("outbox stops at first failure then parks", func(t *testing.T) {
		s := factory(t, newTestClock())
		a, err := s.CreateRoot(ctx, input("A"))
		require.NoError(t, err)
		_, err = s.CreateRoot(ctx, input("B"))
		require.NoError(t, err)

		boom := errors.New("broker down")
		calls := 0
		res, err := s.FlushOutbox(ctx, FlushOptions{MaxAttempts: 2}, func(context.Context, events.DomainEvent) error {
			calls++
			return boom
		})
		require.NoError(t, err)
		assert.Equal(t, FlushResult{Failed: 1}, res)
		assert.Equal(t, 1, calls, "flush stops at the first failure")

		pending, err := s.PendingEvents(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, pending)

		var delivered []string
		res, err = s.FlushOutbox(ctx, FlushOptions{MaxAttempts: 2}, func(_ context.Context, ev events.DomainEvent) error {
			if ev.CommentID == a.ID {
				return boom
			}
			delivered = append(delivered, ev.CommentID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, FlushResult{Published: 1, Dead: 1}, res)
		assert.Len(t, delivered, 1)

		pending, err = s.PendingEvents(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, pending)
	})

	t.Run("concurrent replies and delete leave no orphans", func(t *testing.T) {
		s := factory(t, newTestClock())
		root, err := s.CreateRoot(ctx, input("Ann"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateReply(ctx, root.ID, input("Bo"))
				if err != nil {
					assert.ErrorIs(t, err, ErrNotFound)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Delete(ctx, root.ID)
		}()
		wg.Wait()

		// Anything that committed after the delete must be gone too, since
		// the parent row no longer exists.
		_, _ = s.Delete(ctx, root.ID)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})
}

func TestInMemoryCommentStore(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, clock *testClock) CommentStore {
		return NewInMemoryCommentStore(WithClock(clock.Now))
	})
}

func TestInMemoryCommentStore_LevelInvariant(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryCommentStore(WithMaxEagerDepth(100))

	ids := []string{}
	levels := map[string]int{}
	for i := 0; i < 60; i++ {
		var (
			c   Comment
			err error
		)
		if i%5 == 0 || len(ids) == 0 {
			c, err = s.CreateRoot(ctx, input("root"))
		} else {
			parent := ids[(i*7)%len(ids)]
			c, err = s.CreateReply(ctx, parent, input("reply"))
			require.NoError(t, err)
			assert.Equal(t, levels[parent]+1, c.Level)
		}
		require.NoError(t, err)
		ids = append(ids, c.ID)
		levels[c.ID] = c.Level
	}

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	seen := map[string]Node{}
	for _, r := range all {
		assert.Equal(t, 0, r.Level)
		collectIDs(r, seen)
	}
	assert.Len(t, seen, len(ids))
	for _, n := range seen {
		for _, r := range n.Replies {
			assert.Equal(t, n.Level+1, r.Level)
			assert.Equal(t, n.ID, *r.ParentID)
		}
	}
}

func TestInMemoryCommentStore_Parked(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryCommentStore()
	_, err := s.CreateRoot(ctx, input("A"))
	require.NoError(t, err)

	_, err = s.FlushOutbox(ctx, FlushOptions{MaxAttempts: 1}, func(context.Context, events.DomainEvent) error {
		return errors.New("rejected")
	})
	require.NoError(t, err)
	assert.Len(t, s.Parked(), 1)
}
