package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IndexAction string

const (
	IndexCreate IndexAction = "create"
	IndexUpdate IndexAction = "update"
	IndexDelete IndexAction = "delete"
)

// ParseIndexAction accepts an action name case-insensitively; blank means
// update.
func ParseIndexAction(s string) (IndexAction, error) {
	switch a := IndexAction(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return IndexUpdate, nil
	case IndexCreate, IndexUpdate, IndexDelete:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown index action %q", ErrMalformed, s)
	}
}

// IndexRequest asks the indexer to bring one comment's document in line with
// its row. The row is re-read when the request is served, so the request
// carries no content.
type IndexRequest struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	CommentID string      `json:"commentId"`
	Action    IndexAction `json:"action"`
}

func NewIndexRequest(commentID string, action IndexAction) IndexRequest {
	return IndexRequest{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    Source,
		CommentID: commentID,
		Action:    action,
	}
}

func EncodeIndexRequest(r IndexRequest) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeIndexRequest(data []byte) (IndexRequest, error) {
	var r IndexRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return IndexRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(r.CommentID) == "" {
		return IndexRequest{}, fmt.Errorf("%w: missing commentId", ErrMalformed)
	}
	switch r.Action {
	case IndexCreate, IndexUpdate, IndexDelete:
	default:
		return IndexRequest{}, fmt.Errorf("%w: unknown index action %q", ErrMalformed, r.Action)
	}
	return r, nil
}
