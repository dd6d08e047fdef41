// Package retention evicts comments older than a configured age on a cron
// schedule and reports sweep statistics and pipeline health.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
)

// ErrSweepInProgress is returned by a trigger that overlaps a running sweep.
var ErrSweepInProgress = errors.New("retention sweep already in progress")

// EvictionError reports a sweep the store rejected. The scheduler logs and
// counts it and keeps running.
type EvictionError struct {
	Cutoff time.Time
	Err    error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict rows created before %s: %v", e.Cutoff.Format(time.RFC3339), e.Err)
}

func (e *EvictionError) Unwrap() error { return e.Err }

// Store is the part of the comment store a sweep needs. DeleteOlderThan
// removes matching rows with their subtrees and records one deletion event
// per removed row in the same transaction.
type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// DefaultSchedule and DefaultMaxAge mirror the service's historical policy.
const (
	DefaultSchedule   = "@every 5m"
	DefaultMaxAge     = 5 * time.Minute
	LargeSweepWarning = 100
)

type Options struct {
	Schedule string
	MaxAge   time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

// ValidateSchedule reports whether spec is a cron expression the scheduler
// accepts (five fields or a descriptor such as @every 5m).
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

type Stats struct {
	TotalCleaned    int64      `json:"totalCleaned"`
	LastCleanup     *time.Time `json:"lastCleanup"`
	LastCleanupTime int64      `json:"lastCleanupTime"` // milliseconds
	Errors          int64      `json:"errors"`
	Runs            int64      `json:"runs"`
}

type SweepResult struct {
	Removed int           `json:"removed"`
	Cutoff  time.Time     `json:"cutoff"`
	Took    time.Duration `json:"took"`
}

type Scheduler struct {
	store  Store
	locker Locker
	log    *zap.Logger
	m      *metrics.Pipeline
	opts   Options
	now    func() time.Time

	notify func()
	probes []Probe
	outbox func(ctx context.Context) (int64, error)

	mu    sync.Mutex
	stats Stats
}

type Option func(*Scheduler)

// WithNotify is called after every sweep that removed rows, so the outbox
// relay publishes the deletion events without waiting for its next poll.
func WithNotify(fn func()) Option {
	return func(s *Scheduler) { s.notify = fn }
}

// WithOutboxBacklog reports unpublished events in Health.
func WithOutboxBacklog(fn func(ctx context.Context) (int64, error)) Option {
	return func(s *Scheduler) { s.outbox = fn }
}

// WithProbe adds a pipeline dependency to Health.
func WithProbe(name string, check func(ctx context.Context) error) Option {
	return func(s *Scheduler) { s.probes = append(s.probes, Probe{Name: name, Check: check}) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store Store, locker Locker, log *zap.Logger, m *metrics.Pipeline, opts Options, options ...Option) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if locker == nil {
		locker = &LocalLocker{}
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	s := &Scheduler{
		store:  store,
		locker: locker,
		log:    log.Named("retention"),
		m:      m,
		opts:   opts,
		now:    time.Now,
		notify: func() {},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run starts the cron schedule and blocks until ctx ends, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.log.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(s.opts.Schedule, func() {
		if _, err := s.Sweep(ctx); errors.Is(err, ErrSweepInProgress) {
			s.log.Debug("scheduled sweep skipped, another sweep holds the lock")
		}
	})
	if err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.opts.Schedule, err)
	}

	s.log.Info("retention scheduled",
		zap.String("schedule", s.opts.Schedule),
		zap.Duration("max_age", s.opts.MaxAge))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Trigger runs a sweep now, on behalf of an operator.
func (s *Scheduler) Trigger(ctx context.Context) (SweepResult, error) {
	s.log.Info("manual sweep triggered")
	return s.Sweep(ctx)
}

// Sweep deletes every row created before now-MaxAge. At most one sweep runs
// at a time; an overlapping call returns ErrSweepInProgress and leaves the
// statistics untouched.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	unlock, ok, err := s.locker.TryLock(ctx)
	if err != nil {
		s.recordError()
		s.log.Error("retention lock unavailable", zap.Error(err))
		return SweepResult{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.m.SweepRuns.WithLabelValues(metrics.ResultSkipped).Inc()
		return SweepResult{}, ErrSweepInProgress
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := s.now()
	cutoff := start.Add(-s.opts.MaxAge)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	took := s.now().Sub(start)
	if err != nil {
		s.recordError()
		evErr := &EvictionError{Cutoff: cutoff, Err: err}
		s.log.Error("retention sweep failed",
			zap.Time("cutoff", cutoff),
			zap.Duration("took", took),
			zap.Error(evErr))
		return SweepResult{}, evErr
	}

	s.mu.Lock()
	s.stats.TotalCleaned += int64(len(removed))
	s.stats.LastCleanup = &start
	s.stats.LastCleanupTime = took.Milliseconds()
	s.stats.Runs++
	s.mu.Unlock()

	s.m.SweepRuns.WithLabelValues(metrics.ResultOK).Inc()
	s.m.SweepRemoved.Add(float64(len(removed)))
	if len(removed) > 0 {
		s.notify()
	}

	s.log.Info("retention sweep finished",
		zap.Int("removed", len(removed)),
		zap.Duration("took", took),
		zap.Time("cutoff", cutoff))
	if len(removed) > LargeSweepWarning {
		s.log.Warn("large retention sweep", zap.Int("removed", len(removed)))
	}
	return SweepResult{Removed: len(removed), Cutoff: cutoff, Took: took}, nil
}

func (s *Scheduler) recordError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	s.m.SweepRuns.WithLabelValues(metrics.ResultError).Inc()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.LastCleanup != nil {
		t := *st.LastCleanup
		st.LastCleanup = &t
	}
	return st
}

func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	s.stats = Stats{}
	s.mu.Unlock()
	s.log.Info("retention stats reset")
}

// MaxAge is the configured eviction threshold.
func (s *Scheduler) MaxAge() time.Duration { return s.opts.MaxAge }

// cronLogger routes cron's own logging through zap. Routine scheduling
// chatter goes to debug.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.s.Debugw("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw("cron: "+msg, append(kv, "error", err)...)
}
