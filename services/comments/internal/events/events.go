// Package events defines the DomainEvent wire contract shared by the
// comments API (producer) and the search indexer (consumer).
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies this service as the producer of an event.
const Source = "comments-service"

const (
	StreamName     = "COMMENT_EVENTS"
	StreamSubjects = "comment.>"

	SubjectCreated        = "comment.created"
	SubjectReplyCreated   = "comment.reply.created"
	SubjectDeleted        = "comment.deleted"
	SubjectSyncRequested  = "comment.sync.requested"
	SubjectIndexRequested = "comment.index.requested"
)

type Type string

const (
	TypeCreated      Type = "created"
	TypeReplyCreated Type = "replyCreated"
	TypeDeleted      Type = "deleted"
)

// DomainEvent is one committed mutation of the comment store. Creation
// events carry the full node, deletion events only CommentID.
type DomainEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType Type      `json:"eventType"`
	Source    string    `json:"source"`

	CommentID string     `json:"commentId"`
	Author    string     `json:"author,omitempty"`
	Email     string     `json:"email,omitempty"`
	Homepage  *string    `json:"homepage,omitempty"`
	Content   string     `json:"content,omitempty"`
	Level     *int       `json:"level,omitempty"`
	ParentID  *string    `json:"parentId,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Node is the comment snapshot carried by creation events.
type Node struct {
	ID        string
	Author    string
	Email     string
	Homepage  *string
	Content   string
	Level     int
	ParentID  *string
	CreatedAt time.Time
}

func newEvent(t Type, commentID string, at time.Time) DomainEvent {
	return DomainEvent{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		EventType: t,
		Source:    Source,
		CommentID: commentID,
	}
}

func withNode(ev DomainEvent, n Node) DomainEvent {
	level := n.Level
	created := n.CreatedAt.UTC()
	ev.Author = n.Author
	ev.Email = n.Email
	ev.Homepage = n.Homepage
	ev.Content = n.Content
	ev.Level = &level
	ev.ParentID = n.ParentID
	ev.CreatedAt = &created
	return ev
}

// Created describes a new root comment. The event timestamp is the
// comment's creation time.
func Created(n Node) DomainEvent {
	return withNode(newEvent(TypeCreated, n.ID, n.CreatedAt), n)
}

// ReplyCreated describes a new reply.
func ReplyCreated(n Node) DomainEvent {
	return withNode(newEvent(TypeReplyCreated, n.ID, n.CreatedAt), n)
}

// Deleted describes the removal of one comment row created at createdAt.
// The timestamp is at, moved past createdAt when the deleting clock lags the
// creating one, so the deletion always outranks the creation in the index.
func Deleted(commentID string, createdAt, at time.Time) DomainEvent {
	if !at.After(createdAt) {
		at = createdAt.Add(time.Nanosecond)
	}
	return newEvent(TypeDeleted, commentID, at)
}

// Subject returns the broker subject the event is published on.
func (e DomainEvent) Subject() string {
	switch e.EventType {
	case TypeCreated:
		return SubjectCreated
	case TypeReplyCreated:
		return SubjectReplyCreated
	default:
		return SubjectDeleted
	}
}

// Version orders mutations of the same comment. Later events win.
func (e DomainEvent) Version() int64 {
	return e.Timestamp.UnixNano()
}

var ErrMalformed = errors.New("malformed event")

func (e DomainEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if strings.TrimSpace(e.CommentID) == "" {
		return fmt.Errorf("%w: missing commentId", ErrMalformed)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	switch e.EventType {
	case TypeCreated, TypeReplyCreated:
		if e.Level == nil {
			return fmt.Errorf("%w: creation event without level", ErrMalformed)
		}
	case TypeDeleted:
	default:
		return fmt.Errorf("%w: unknown eventType %q", ErrMalformed, e.EventType)
	}
	return nil
}

func Encode(e DomainEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a DomainEvent.
func Decode(data []byte) (DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return DomainEvent{}, err
	}
	return e, nil
}
