// Package search is the search-engine adapter: the Engine contract, the
// document and query model, and an in-process engine. The Elasticsearch
// implementation lives in the elastic subpackage.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Document is the indexed projection of a comment.
type Document struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Homepage  *string   `json:"homepage,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Level     int       `json:"level"`
	ParentID  *string   `json:"parentId,omitempty"`
}

type Field string

const (
	FieldAuthor   Field = "author"
	FieldContent  Field = "content"
	FieldHomepage Field = "homepage"
)

type WeightedField struct {
	Field Field
	Boost float64
}

// DefaultFields weights content over author over homepage.
var DefaultFields = []WeightedField{
	{Field: FieldAuthor, Boost: 2},
	{Field: FieldContent, Boost: 3},
	{Field: FieldHomepage, Boost: 1},
}

// HighlightFields are the fields returned with highlighted spans.
var HighlightFields = []Field{FieldContent, FieldAuthor}

// Filters narrow the candidate set with exact matches before scoring.
type Filters struct {
	Level    *int   `json:"level,omitempty"`
	Author   string `json:"author,omitempty"`
	Homepage string `json:"homepage,omitempty"`
}

func (f Filters) IsZero() bool {
	return f.Level == nil && f.Author == "" && f.Homepage == ""
}

// Query is a full-text query with optional filters. An empty Text turns the
// query into a pure filter lookup.
type Query struct {
	Text    string
	Fields  []WeightedField
	Filters Filters
	Size    int
}

// DefaultSize caps result sets when Query.Size is zero.
const DefaultSize = 50

func (q Query) Normalize() Query {
	if len(q.Fields) == 0 {
		q.Fields = DefaultFields
	}
	if q.Size <= 0 {
		q.Size = DefaultSize
	}
	return q
}

type Hit struct {
	Document
	Score      float64             `json:"score"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}

type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports per-document outcomes; a failed document never aborts
// the rest of the batch.
type BulkResult struct {
	Succeeded int
	Conflicts int
	Failed    []BulkFailure
}

var (
	// ErrUnavailable means the engine could not be reached or did not answer
	// in time. Callers must treat it differently from an empty result.
	ErrUnavailable = errors.New("search engine unavailable")
	// ErrConflict means a write carried a version older than the one already
	// indexed and was ignored.
	ErrConflict = errors.New("stale document version")
)

// IndexError reports an index mutation the engine rejected.
type IndexError struct {
	Op  string
	ID  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("search %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// Engine is a document index with versioned upserts. Versions are
// monotonically increasing per document; a write with a version lower than
// the stored one returns ErrConflict, an equal version overwrites.
type Engine interface {
	EnsureIndex(ctx context.Context) error

	Index(ctx context.Context, doc Document, version int64) error
	// Update merges doc into an existing document and keeps its version. A
	// missing or deleted document yields ErrConflict; Update never creates.
	Update(ctx context.Context, doc Document) error
	// Delete removes id; a missing document is not an error.
	Delete(ctx context.Context, id string, version int64) error
	BulkIndex(ctx context.Context, docs []Document, version int64) (BulkResult, error)
	BulkDelete(ctx context.Context, ids []string, version int64) (BulkResult, error)

	Search(ctx context.Context, q Query) ([]Hit, error)
	// Suggest completes prefix over author names and content words.
	Suggest(ctx context.Context, prefix string, size int) ([]string, error)

	// IDs visits every indexed document id in pages.
	IDs(ctx context.Context, fn func(ids []string) error) error
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
