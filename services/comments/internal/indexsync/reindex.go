package indexsync

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/events"
	"github.com/example/comment-tree/services/comments/internal/search"
	"github.com/example/comment-tree/services/comments/internal/store"
)

// removedVersion outranks every write for an id whose row is gone. Comment
// ids are never reused, so nothing may bring such a document back.
const removedVersion = math.MaxInt64

// Rows is the part of the comment store a single-comment re-index reads.
type Rows interface {
	FindByID(ctx context.Context, id string) (store.Node, error)
}

// Reindexer serves IndexRequests by re-reading the row and writing what the
// store holds now.
type Reindexer struct {
	rows    Rows
	applier *Applier
	m       *metrics.Pipeline
	log     *zap.Logger
}

func NewReindexer(rows Rows, applier *Applier, log *zap.Logger) *Reindexer {
	return &Reindexer{rows: rows, applier: applier, m: applier.m, log: log.Named("reindex")}
}

// Reindex brings one document in line with its row. create rewrites the
// whole document at the row's creation version, update merges the row's
// fields into the existing document (falling back to create when the index
// has none), delete removes it. A row that no longer exists is removed from
// the index whatever the action; a delete for a live row is refused.
func (r *Reindexer) Reindex(ctx context.Context, req events.IndexRequest) error {
	node, err := r.rows.FindByID(ctx, req.CommentID)
	gone := errors.Is(err, store.ErrNotFound)
	if err != nil && !gone {
		return fmt.Errorf("load comment %s: %w", req.CommentID, err)
	}

	if gone {
		return r.applier.record("delete", req.CommentID, req.ID,
			r.applier.engine.Delete(ctx, req.CommentID, removedVersion))
	}

	doc := DocumentFromComment(node.Comment)
	version := node.CreatedAt.UnixNano()
	switch req.Action {
	case events.IndexCreate:
		return r.applier.record("index", req.CommentID, req.ID, r.applier.engine.Index(ctx, doc, version))
	case events.IndexUpdate:
		err := r.applier.engine.Update(ctx, doc)
		if errors.Is(err, search.ErrConflict) {
			return r.applier.record("index", req.CommentID, req.ID, r.applier.engine.Index(ctx, doc, version))
		}
		return r.applier.record("update", req.CommentID, req.ID, err)
	case events.IndexDelete:
		r.m.IndexOps.WithLabelValues("delete", metrics.ResultSkipped).Inc()
		r.log.Warn("index delete refused, comment still exists",
			zap.String("request_id", req.ID),
			zap.String("comment_id", req.CommentID))
		return nil
	default:
		return events.ErrMalformed
	}
}
