// Package indexsync keeps the search index convergent with the comment store:
// it applies DomainEvents as versioned index writes and runs full and
// incremental re-syncs.
package indexsync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/events"
	"github.com/example/comment-tree/services/comments/internal/search"
	"github.com/example/comment-tree/services/comments/internal/store"
)

// Applier turns one DomainEvent into one index mutation.
type Applier struct {
	engine search.Engine
	log    *zap.Logger
	m      *metrics.Pipeline
}

func NewApplier(engine search.Engine, log *zap.Logger, m *metrics.Pipeline) *Applier {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Applier{engine: engine, log: log.Named("applier"), m: m}
}

// Apply writes ev to the index. A stale version is not an error: a newer
// event for the same comment already won. Other failures are logged and
// returned; the caller does not retry them inline.
func (a *Applier) Apply(ctx context.Context, ev events.DomainEvent) error {
	op := "index"
	var err error
	switch ev.EventType {
	case events.TypeCreated, events.TypeReplyCreated:
		err = a.engine.Index(ctx, DocumentFromEvent(ev), ev.Version())
	case events.TypeDeleted:
		op = "delete"
		err = a.engine.Delete(ctx, ev.CommentID, ev.Version())
	default:
		return events.ErrMalformed
	}
	return a.record(op, ev.CommentID, ev.ID, err)
}

// record counts and logs the outcome of one index write for commentID; ref
// is the event or request that caused it.
func (a *Applier) record(op, commentID, ref string, err error) error {
	switch {
	case err == nil:
		a.m.IndexOps.WithLabelValues(op, metrics.ResultOK).Inc()
		return nil
	case errors.Is(err, search.ErrConflict):
		a.m.IndexOps.WithLabelValues(op, metrics.ResultSkipped).Inc()
		a.log.Debug("stale write ignored",
			zap.String("op", op),
			zap.String("event_id", ref),
			zap.String("comment_id", commentID))
		return nil
	default:
		a.m.IndexOps.WithLabelValues(op, metrics.ResultError).Inc()
		var ie *search.IndexError
		if !errors.As(err, &ie) {
			err = &search.IndexError{Op: op, ID: commentID, Err: err}
		}
		a.log.Warn("index operation failed",
			zap.String("op", op),
			zap.String("event_id", ref),
			zap.String("comment_id", commentID),
			zap.Error(err))
		return err
	}
}

func DocumentFromEvent(ev events.DomainEvent) search.Document {
	doc := search.Document{
		ID:        ev.CommentID,
		Author:    ev.Author,
		Email:     ev.Email,
		Homepage:  ev.Homepage,
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
		ParentID:  ev.ParentID,
	}
	if ev.Level != nil {
		doc.Level = *ev.Level
	}
	if ev.CreatedAt != nil {
		doc.Timestamp = *ev.CreatedAt
	}
	return doc
}

func DocumentFromComment(c store.Comment) search.Document {
	return search.Document{
		ID:        c.ID,
		Author:    c.Author,
		Email:     c.Email,
		Homepage:  c.Homepage,
		Content:   c.Content,
		Timestamp: c.CreatedAt,
		Level:     c.Level,
		ParentID:  c.ParentID,
	}
}
