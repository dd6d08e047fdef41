// Package publisher serialises domain events and hands them to the broker
// with a bounded timeout.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/events"
)

// Broker is the narrow transport used by Publisher. msgID lets the broker
// drop re-publications of the same event.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Ping(ctx context.Context) error
}

// PublishError reports an event the broker did not accept in time.
type PublishError struct {
	Subject string
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (event %s): %v", e.Subject, e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Publisher struct {
	broker  Broker
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Pipeline
}

func New(broker Broker, timeout time.Duration, log *zap.Logger, m *metrics.Pipeline) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Publisher{broker: broker, timeout: timeout, log: log.Named("publisher"), metrics: m}
}

// Publish sends one event. Failures come back as *PublishError; the caller
// decides whether to retry.
func (p *Publisher) Publish(ctx context.Context, ev events.DomainEvent) error {
	subject := ev.Subject()
	data, err := events.Encode(ev)
	if err != nil {
		return &PublishError{Subject: subject, EventID: ev.ID, Err: err}
	}

	if err := p.send(ctx, subject, data, ev.ID); err != nil {
		p.metrics.EventsPublished.WithLabelValues(subject, metrics.ResultError).Inc()
		return &PublishError{Subject: subject, EventID: ev.ID, Err: err}
	}
	p.metrics.EventsPublished.WithLabelValues(subject, metrics.ResultOK).Inc()
	return nil
}

// RequestSync publishes a sync request for the indexer.
func (p *Publisher) RequestSync(ctx context.Context, req events.SyncRequest) error {
	data, err := events.EncodeSyncRequest(req)
	if err != nil {
		return err
	}
	if err := p.send(ctx, events.SubjectSyncRequested, data, req.ID); err != nil {
		p.log.Warn("sync request publish failed",
			zap.String("sync_type", string(req.SyncType)), zap.Error(err))
		return &PublishError{Subject: events.SubjectSyncRequested, EventID: req.ID, Err: err}
	}
	return nil
}

// RequestIndex publishes a single-comment re-index request. The request id
// is the message id, so a retried request is delivered once.
func (p *Publisher) RequestIndex(ctx context.Context, req events.IndexRequest) error {
	data, err := events.EncodeIndexRequest(req)
	if err != nil {
		return err
	}
	if err := p.send(ctx, events.SubjectIndexRequested, data, req.ID); err != nil {
		p.log.Warn("index request publish failed",
			zap.String("comment_id", req.CommentID),
			zap.String("action", string(req.Action)), zap.Error(err))
		return &PublishError{Subject: events.SubjectIndexRequested, EventID: req.ID, Err: err}
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, subject string, data []byte, msgID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.broker.Publish(ctx, subject, data, msgID)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", p.timeout, err)
	}
	return err
}

// Healthy reports broker reachability.
func (p *Publisher) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.broker.Ping(ctx)
}
