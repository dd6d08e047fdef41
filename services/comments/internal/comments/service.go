// Package comments is the caller-facing comment service: it validates input,
// delegates to the store and wakes the outbox relay after each commit.
package comments

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/comment-tree/services/comments/internal/store"
)

// ValidationError lists the rejected fields and why.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

type CreateInput struct {
	Author   string  `json:"author" validate:"required,min=2,max=100"`
	Email    string  `json:"email" validate:"required,email"`
	Homepage *string `json:"homepage,omitempty" validate:"omitempty,max=255"`
	Content  string  `json:"content" validate:"required,min=10,max=5000"`
}

type ReplyInput struct {
	CreateInput
	ParentID string `json:"parentId" validate:"required,uuid"`
}

// Notifier is told about every committed mutation.
type Notifier interface {
	Notify()
}

type Service struct {
	store    store.CommentStore
	notifier Notifier
	validate *validator.Validate
	log      *zap.Logger
}

func NewService(st store.CommentStore, notifier Notifier, log *zap.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{store: st, notifier: notifier, validate: v, log: log.Named("comments")}
}

func (s *Service) CreateRoot(ctx context.Context, in CreateInput) (store.Comment, error) {
	in = in.normalize()
	if err := s.check(in); err != nil {
		return store.Comment{}, err
	}
	c, err := s.store.CreateRoot(ctx, in.toStore())
	if err != nil {
		return store.Comment{}, err
	}
	s.committed()
	return c, nil
}

func (s *Service) CreateReply(ctx context.Context, in ReplyInput) (store.Comment, error) {
	in.CreateInput = in.CreateInput.normalize()
	in.ParentID = strings.TrimSpace(in.ParentID)
	if err := s.check(in); err != nil {
		return store.Comment{}, err
	}
	c, err := s.store.CreateReply(ctx, in.ParentID, in.toStore())
	if err != nil {
		return store.Comment{}, err
	}
	s.committed()
	return c, nil
}

// Delete removes id and its subtree and returns the removed ids.
func (s *Service) Delete(ctx context.Context, id string) ([]string, error) {
	if !isUUID(id) {
		return nil, store.ErrNotFound
	}
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.committed()
	return removed, nil
}

func (s *Service) FindAll(ctx context.Context) ([]store.Node, error) {
	return s.store.FindAll(ctx)
}

func (s *Service) FindByID(ctx context.Context, id string) (store.Node, error) {
	if !isUUID(id) {
		return store.Node{}, store.ErrNotFound
	}
	return s.store.FindByID(ctx, id)
}

func (s *Service) FindByHomepage(ctx context.Context, homepage string) (store.Node, error) {
	homepage = strings.TrimSpace(homepage)
	if homepage == "" {
		return store.Node{}, store.ErrNotFound
	}
	return s.store.FindByHomepage(ctx, homepage)
}

var seedComments = []CreateInput{
	{Author: "John Doe", Email: "john@example.com", Homepage: ptr("johndoe"), Content: "Great post! Very informative."},
	{Author: "Jane Smith", Email: "jane@example.com", Homepage: ptr("janesmith"), Content: "Agree with the comment above. Really useful information!"},
	{Author: "Bob Johnson", Email: "bob@example.com", Content: "Interesting point of view. Would like to hear more details."},
}

// Seed inserts a few sample roots into an empty store.
func (s *Service) Seed(ctx context.Context) error {
	n, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, in := range seedComments {
		if _, err := s.CreateRoot(ctx, in); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	s.log.Info("store seeded with sample comments", zap.Int("count", len(seedComments)))
	return nil
}

func (s *Service) committed() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a UUID"
	default:
		return "is invalid"
	}
}

func (in CreateInput) normalize() CreateInput {
	in.Author = Sanitize(strings.TrimSpace(in.Author))
	in.Email = strings.TrimSpace(in.Email)
	in.Content = Sanitize(strings.TrimSpace(in.Content))
	if in.Homepage != nil {
		h := Sanitize(strings.TrimSpace(*in.Homepage))
		if h == "" {
			in.Homepage = nil
		} else {
			in.Homepage = &h
		}
	}
	return in
}

func (in CreateInput) toStore() store.NewComment {
	return store.NewComment{Author: in.Author, Email: in.Email, Homepage: in.Homepage, Content: in.Content}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}

func ptr[T any](v T) *T { return &v }
