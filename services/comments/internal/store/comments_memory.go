package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/comment-tree/services/comments/internal/events"
)

// InMemoryCommentStore is a development-only implementation. Rows live in a
// flat arena keyed by id; child lists are derived through a parent index.
type InMemoryCommentStore struct {
	mu       sync.RWMutex
	rows     map[string]Comment
	children map[string][]string // parent id -> child ids, insertion order
	pending  []*outboxRecord
	parked   []*outboxRecord
	seq      int64

	flushMu  sync.Mutex
	now      func() time.Time
	maxDepth int
}

type outboxRecord struct {
	seq      int64
	event    events.DomainEvent
	attempts int
	lastErr  string
}

type MemoryOption func(*InMemoryCommentStore)

// WithClock overrides the time source used for created_at and event timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryCommentStore) { s.now = now }
}

func WithMaxEagerDepth(depth int) MemoryOption {
	return func(s *InMemoryCommentStore) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

func NewInMemoryCommentStore(opts ...MemoryOption) *InMemoryCommentStore {
	s := &InMemoryCommentStore{
		rows:     make(map[string]Comment),
		children: make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
		maxDepth: DefaultMaxEagerDepth,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *InMemoryCommentStore) CreateRoot(_ context.Context, in NewComment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := Comment{
		ID:        uuid.NewString(),
		Author:    in.Author,
		Email:     in.Email,
		Homepage:  in.Homepage,
		Content:   in.Content,
		Level:     0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rows[c.ID] = c
	s.enqueue(creationEvent(c))
	return c, nil
}

func (s *InMemoryCommentStore) CreateReply(_ context.Context, parentID string, in NewComment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.rows[parentID]
	if !ok {
		return Comment{}, ErrNotFound
	}

	now := s.now()
	if now.Before(parent.CreatedAt) {
		now = parent.CreatedAt
	}
	pid := parent.ID
	c := Comment{
		ID:        uuid.NewString(),
		Author:    in.Author,
		Email:     in.Email,
		Homepage:  in.Homepage,
		Content:   in.Content,
		Level:     parent.Level + 1,
		ParentID:  &pid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rows[c.ID] = c
	s.children[pid] = append(s.children[pid], c.ID)
	s.enqueue(creationEvent(c))
	return c, nil
}

func (s *InMemoryCommentStore) FindAll(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roots []Comment
	for _, c := range s.rows {
		if c.ParentID == nil {
			roots = append(roots, c)
		}
	}
	sortNewestFirst(roots)

	out := make([]Node, 0, len(roots))
	for _, r := range roots {
		out = append(out, s.subtree(r, 1))
	}
	return out, nil
}

func (s *InMemoryCommentStore) FindByID(_ context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.rows[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return s.subtree(c, 1), nil
}

func (s *InMemoryCommentStore) FindByHomepage(_ context.Context, homepage string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *Comment
	for _, c := range s.rows {
		if c.Homepage == nil || *c.Homepage != homepage {
			continue
		}
		if match == nil || c.CreatedAt.Before(match.CreatedAt) ||
			(c.CreatedAt.Equal(match.CreatedAt) && c.ID < match.ID) {
			cc := c
			match = &cc
		}
	}
	if match == nil {
		return Node{}, ErrNotFound
	}
	return s.subtree(*match, 1), nil
}

// subtree materialises c and its replies down to maxDepth levels. Caller
// holds at least the read lock.
func (s *InMemoryCommentStore) subtree(c Comment, depth int) Node {
	n := Node{Comment: c, Replies: []Node{}}
	if depth >= s.maxDepth {
		return n
	}
	kids := make([]Comment, 0, len(s.children[c.ID]))
	for _, id := range s.children[c.ID] {
		kids = append(kids, s.rows[id])
	}
	sortOldestFirst(kids)
	for _, k := range kids {
		n.Replies = append(n.Replies, s.subtree(k, depth+1))
	}
	return n
}

func (s *InMemoryCommentStore) Delete(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return nil, ErrNotFound
	}
	return s.removeSubtree(id, s.now()), nil
}

func (s *InMemoryCommentStore) DeleteOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []Comment
	for _, c := range s.rows {
		if c.CreatedAt.Before(cutoff) {
			eligible = append(eligible, c)
		}
	}
	sortOldestFirst(eligible)

	now := s.now()
	var removed []string
	for _, c := range eligible {
		if _, ok := s.rows[c.ID]; !ok {
			continue // already gone with an older ancestor
		}
		removed = append(removed, s.removeSubtree(c.ID, now)...)
	}
	return removed, nil
}

// removeSubtree deletes id and every descendant, emitting one deleted event
// per row. Caller holds the write lock.
func (s *InMemoryCommentStore) removeSubtree(id string, at time.Time) []string {
	var ids []string
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ids = append(ids, cur)
		stack = append(stack, s.children[cur]...)
	}

	root := s.rows[id]
	if root.ParentID != nil {
		siblings := s.children[*root.ParentID]
		for i, sid := range siblings {
			if sid == id {
				s.children[*root.ParentID] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}
	for _, rid := range ids {
		created := s.rows[rid].CreatedAt
		delete(s.rows, rid)
		delete(s.children, rid)
		s.enqueue(events.Deleted(rid, created, at))
	}
	return ids
}

func (s *InMemoryCommentStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

func (s *InMemoryCommentStore) Scan(ctx context.Context, since time.Time, batch int, fn func([]Comment) error) error {
	if batch <= 0 {
		batch = 500
	}
	s.mu.RLock()
	rows := make([]Comment, 0, len(s.rows))
	for _, c := range s.rows {
		if since.IsZero() || !c.CreatedAt.Before(since) {
			rows = append(rows, c)
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(rows)

	for start := 0; start < len(rows); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batch, len(rows))
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryCommentStore) Ping(context.Context) error { return nil }

// enqueue appends to the outbox. Caller holds the write lock.
func (s *InMemoryCommentStore) enqueue(ev events.DomainEvent) {
	s.seq++
	s.pending = append(s.pending, &outboxRecord{seq: s.seq, event: ev})
}

func (s *InMemoryCommentStore) FlushOutbox(ctx context.Context, opts FlushOptions, publish PublishFunc) (FlushResult, error) {
	opts = opts.withDefaults()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	batch := append([]*outboxRecord(nil), s.pending[:min(opts.Limit, len(s.pending))]...)
	s.mu.RUnlock()

	var res FlushResult
	done := make(map[int64]bool, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		err := publish(ctx, rec.event)

		s.mu.Lock()
		if err == nil {
			done[rec.seq] = true
			res.Published++
			s.mu.Unlock()
			continue
		}
		rec.attempts++
		rec.lastErr = err.Error()
		if rec.attempts >= opts.MaxAttempts {
			done[rec.seq] = true
			s.parked = append(s.parked, rec)
			res.Dead++
			s.mu.Unlock()
			continue
		}
		res.Failed++
		s.mu.Unlock()
		break
	}

	if len(done) > 0 {
		s.mu.Lock()
		kept := s.pending[:0]
		for _, rec := range s.pending {
			if !done[rec.seq] {
				kept = append(kept, rec)
			}
		}
		s.pending = kept
		s.mu.Unlock()
	}
	return res, ctx.Err()
}

func (s *InMemoryCommentStore) PendingEvents(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pending)), nil
}

// Parked returns events that exhausted their publish attempts.
func (s *InMemoryCommentStore) Parked() []events.DomainEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.DomainEvent, 0, len(s.parked))
	for _, rec := range s.parked {
		out = append(out, rec.event)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (o FlushOptions) withDefaults() FlushOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	return o
}
