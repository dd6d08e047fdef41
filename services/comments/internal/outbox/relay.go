// Package outbox moves committed domain events from the store's outbox to
// the broker. It is the post-commit hook of every store mutation: the store
// writes the event in the mutation's transaction and the relay publishes it
// afterwards, so nothing is published for a mutation that did not commit and
// a broker outage never fails a write.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/events"
	"github.com/example/comment-tree/services/comments/internal/publisher"
	"github.com/example/comment-tree/services/comments/internal/store"
)

// EventPublisher is satisfied by *publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.DomainEvent) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

type Relay struct {
	log     *zap.Logger
	outbox  store.Outbox
	pub     EventPublisher
	metrics *metrics.Pipeline
	opts    Options
	wake    chan struct{}
}

func NewRelay(log *zap.Logger, outbox store.Outbox, pub EventPublisher, m *metrics.Pipeline, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		log:     log.Named("outbox"),
		outbox:  outbox,
		pub:     pub,
		metrics: m,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
}

// Notify wakes the relay after a committed mutation. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes on every poll tick and on every Notify until ctx is done,
// then makes one last bounded attempt to drain the outbox.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = r.Flush(drainCtx)
			cancel()
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("outbox flush failed", zap.Error(err))
		}
	}
}

// Flush publishes pending events batch by batch until the outbox is empty
// or a publish fails.
func (r *Relay) Flush(ctx context.Context) (store.FlushResult, error) {
	var total store.FlushResult
	defer r.updateBacklog(ctx)

	for {
		res, err := r.outbox.FlushOutbox(ctx, store.FlushOptions{
			Limit:       r.opts.BatchSize,
			MaxAttempts: r.opts.MaxAttempts,
		}, r.publish)
		total.Published += res.Published
		total.Failed += res.Failed
		total.Dead += res.Dead
		if res.Dead > 0 {
			r.log.Error("outbox events parked after repeated publish failures", zap.Int("count", res.Dead))
		}
		if err != nil || res.Failed > 0 || res.Published+res.Dead < r.opts.BatchSize {
			return total, err
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev events.DomainEvent) error {
	err := r.pub.Publish(ctx, ev)
	if err != nil {
		r.log.Warn("event publish failed",
			zap.String("subject", ev.Subject()),
			zap.String("event_id", ev.ID),
			zap.String("comment_id", ev.CommentID),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *Relay) updateBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n, err := r.outbox.PendingEvents(ctx); err == nil {
		r.metrics.OutboxBacklog.Set(float64(n))
	}
}

// Pending reports the number of committed events not yet published.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	return r.outbox.PendingEvents(ctx)
}

var _ EventPublisher = (*publisher.Publisher)(nil)
