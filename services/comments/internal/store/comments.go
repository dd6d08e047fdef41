package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/comment-tree/services/comments/internal/events"
)

// DefaultMaxEagerDepth is the number of tree levels materialised by reads:
// the requested node plus two levels of replies.
const DefaultMaxEagerDepth = 3

// ErrNotFound is returned for a missing comment or reply parent.
var ErrNotFound = errors.New("comment not found")

// Comment represents a single comment row.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Homepage  *string   `json:"homepage,omitempty"`
	Content   string    `json:"content"`
	Level     int       `json:"level"`
	ParentID  *string   `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node is a comment with its eagerly loaded replies.
type Node struct {
	Comment
	Replies []Node `json:"replies"`
}

// NewComment holds the caller-supplied fields of a comment.
type NewComment struct {
	Author   string
	Email    string
	Homepage *string
	Content  string
}

// FlushOptions bounds one outbox flush.
type FlushOptions struct {
	Limit       int
	MaxAttempts int
}

// FlushResult summarises one outbox flush.
type FlushResult struct {
	Published int
	Failed    int
	Dead      int
}

// PublishFunc hands one committed event to the broker.
type PublishFunc func(ctx context.Context, ev events.DomainEvent) error

// Outbox is the committed-but-unpublished side of the store. Events are
// written by the same transaction as the mutation they describe.
type Outbox interface {
	// FlushOutbox publishes pending events in commit order. It stops at the
	// first failure; a record that has failed MaxAttempts times is parked.
	FlushOutbox(ctx context.Context, opts FlushOptions, publish PublishFunc) (FlushResult, error)
	PendingEvents(ctx context.Context) (int64, error)
}

// CommentStore defines the contract for comment persistence.
type CommentStore interface {
	CreateRoot(ctx context.Context, in NewComment) (Comment, error)
	CreateReply(ctx context.Context, parentID string, in NewComment) (Comment, error)

	FindAll(ctx context.Context) ([]Node, error)
	FindByID(ctx context.Context, id string) (Node, error)
	FindByHomepage(ctx context.Context, homepage string) (Node, error)

	// Delete removes id and its whole subtree and returns the removed ids.
	Delete(ctx context.Context, id string) ([]string, error)
	// DeleteOlderThan removes every row created before cutoff, with its
	// subtree, in one transaction. Rows already gone are skipped.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	Count(ctx context.Context) (int64, error)
	// Scan visits rows created at or after since (zero means all) in
	// creation order, batch rows at a time.
	Scan(ctx context.Context, since time.Time, batch int, fn func([]Comment) error) error

	Ping(ctx context.Context) error

	Outbox
}

func (c Comment) node() events.Node {
	return events.Node{
		ID:        c.ID,
		Author:    c.Author,
		Email:     c.Email,
		Homepage:  c.Homepage,
		Content:   c.Content,
		Level:     c.Level,
		ParentID:  c.ParentID,
		CreatedAt: c.CreatedAt,
	}
}

// creationEvent picks the event kind for a freshly inserted row.
func creationEvent(c Comment) events.DomainEvent {
	if c.ParentID == nil {
		return events.Created(c.node())
	}
	return events.ReplyCreated(c.node())
}
