package indexsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/events"
	"github.com/example/comment-tree/services/comments/internal/search"
	"github.com/example/comment-tree/services/comments/internal/store"
)

// ErrSyncInProgress is returned when another sync holds the lock.
var ErrSyncInProgress = errors.New("index sync already in progress")

// Source is the part of the comment store a sync reads.
type Source interface {
	Scan(ctx context.Context, since time.Time, batch int, fn func([]store.Comment) error) error
	FindByID(ctx context.Context, id string) (store.Node, error)
}

type SyncOptions struct {
	BatchSize int
	// Interval schedules periodic full syncs; zero disables them.
	Interval time.Duration
	OnStart  bool
}

type Report struct {
	Type      events.SyncType `json:"syncType"`
	Since     *time.Time      `json:"since,omitempty"`
	Started   time.Time       `json:"started"`
	Duration  time.Duration   `json:"duration"`
	Indexed   int             `json:"indexed"`
	Conflicts int             `json:"conflicts"`
	Failed    int             `json:"failed"`
	Removed   int             `json:"removed"`
}

// Syncer re-indexes the store. Every document written by one run carries the
// run's start time as its version, so a newer event applied concurrently is
// never overwritten and replays converge.
type Syncer struct {
	src    Source
	engine search.Engine
	log    *zap.Logger
	m      *metrics.Pipeline
	opts   SyncOptions
	now    func() time.Time

	mu       sync.Mutex
	requests chan events.SyncRequest
}

func NewSyncer(src Source, engine search.Engine, log *zap.Logger, m *metrics.Pipeline, opts SyncOptions) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Syncer{
		src:      src,
		engine:   engine,
		log:      log.Named("sync"),
		m:        m,
		opts:     opts,
		now:      time.Now,
		requests: make(chan events.SyncRequest, 1),
	}
}

// Full re-indexes every live row and then removes index documents whose rows
// no longer exist, leaving exactly the store's row set in the index.
func (s *Syncer) Full(ctx context.Context) (Report, error) {
	return s.locked(ctx, events.SyncFull, nil, func(ctx context.Context, r *Report) error {
		version := r.Started.UnixNano()
		live := make(map[string]struct{})
		err := s.src.Scan(ctx, time.Time{}, s.opts.BatchSize, func(rows []store.Comment) error {
			for _, c := range rows {
				live[c.ID] = struct{}{}
			}
			return s.indexBatch(ctx, rows, version, r)
		})
		if err != nil {
			return err
		}
		return s.engine.IDs(ctx, func(ids []string) error {
			stale, err := s.staleIDs(ctx, ids, live)
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				return nil
			}
			res, err := s.engine.BulkDelete(ctx, stale, version)
			if err != nil {
				return err
			}
			r.Removed += res.Succeeded
			r.Conflicts += res.Conflicts
			r.Failed += len(res.Failed)
			return nil
		})
	})
}

// staleIDs returns the ids missing from the scan whose rows are still gone.
// A row committed after the scan passed its position shows up here and is
// left for its own created event.
func (s *Syncer) staleIDs(ctx context.Context, ids []string, live map[string]struct{}) ([]string, error) {
	var stale []string
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		_, err := s.src.FindByID(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stale = append(stale, id)
		case err != nil:
			return nil, fmt.Errorf("recheck %s: %w", id, err)
		default:
			s.log.Debug("keeping document for row committed during sync", zap.String("comment_id", id))
		}
	}
	return stale, nil
}

// Incremental re-indexes rows created at or after since.
func (s *Syncer) Incremental(ctx context.Context, since time.Time) (Report, error) {
	return s.locked(ctx, events.SyncIncremental, &since, func(ctx context.Context, r *Report) error {
		version := r.Started.UnixNano()
		return s.src.Scan(ctx, since, s.opts.BatchSize, func(rows []store.Comment) error {
			return s.indexBatch(ctx, rows, version, r)
		})
	})
}

// Handle runs the sync a request asks for.
func (s *Syncer) Handle(ctx context.Context, req events.SyncRequest) (Report, error) {
	if req.SyncType == events.SyncIncremental {
		return s.Incremental(ctx, req.Watermark(s.now()))
	}
	return s.Full(ctx)
}

// Enqueue hands req to Run without blocking. It reports false when a
// request is already waiting; that pending run will cover this one.
func (s *Syncer) Enqueue(req events.SyncRequest) bool {
	select {
	case s.requests <- req:
		return true
	default:
		return false
	}
}

// Run serves queued requests and the periodic schedule until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	if s.opts.OnStart {
		s.runLogged(ctx, events.NewSyncRequest(events.SyncFull, nil))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			s.runLogged(ctx, req)
		case <-tick:
			s.runLogged(ctx, events.NewSyncRequest(events.SyncFull, nil))
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context, req events.SyncRequest) {
	if _, err := s.Handle(ctx, req); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
		s.log.Error("sync failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (s *Syncer) locked(ctx context.Context, typ events.SyncType, since *time.Time, body func(context.Context, *Report) error) (Report, error) {
	if !s.mu.TryLock() {
		s.m.SyncRuns.WithLabelValues(string(typ), metrics.ResultSkipped).Inc()
		s.log.Info("sync skipped, another run is active", zap.String("type", string(typ)))
		return Report{}, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	r := Report{Type: typ, Since: since, Started: s.now()}
	s.log.Info("sync started", zap.String("type", string(typ)))
	err := body(ctx, &r)
	r.Duration = s.now().Sub(r.Started)

	if err != nil {
		s.m.SyncRuns.WithLabelValues(string(typ), metrics.ResultError).Inc()
		return r, fmt.Errorf("%s sync: %w", typ, err)
	}
	s.m.SyncRuns.WithLabelValues(string(typ), metrics.ResultOK).Inc()
	s.log.Info("sync finished",
		zap.String("type", string(typ)),
		zap.Int("indexed", r.Indexed),
		zap.Int("conflicts", r.Conflicts),
		zap.Int("failed", r.Failed),
		zap.Int("removed", r.Removed),
		zap.Duration("duration", r.Duration))
	return r, nil
}

func (s *Syncer) indexBatch(ctx context.Context, rows []store.Comment, version int64, r *Report) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]search.Document, 0, len(rows))
	for _, c := range rows {
		docs = append(docs, DocumentFromComment(c))
	}
	res, err := s.engine.BulkIndex(ctx, docs, version)
	if err != nil {
		return err
	}
	r.Indexed += res.Succeeded
	r.Conflicts += res.Conflicts
	r.Failed += len(res.Failed)
	for _, f := range res.Failed {
		s.log.Warn("document not indexed", zap.String("comment_id", f.ID), zap.String("reason", f.Reason))
	}
	return nil
}
