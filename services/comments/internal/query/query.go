// Package query answers user searches from the search index. It never reads
// the comment store.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/services/comments/internal/search"
)

// SuggestSize caps autocomplete results.
const SuggestSize = 5

type Options struct {
	Timeout       time.Duration
	SlowThreshold time.Duration
}

type Service struct {
	engine search.Engine
	log    *zap.Logger
	m      *metrics.Pipeline
	opts   Options
}

func New(engine search.Engine, log *zap.Logger, m *metrics.Pipeline, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Service{engine: engine, log: log.Named("query"), m: m, opts: opts}
}

// Search runs a weighted fuzzy match over author, content and homepage,
// narrowed by filters. Blank text with filters is a pure filter lookup;
// blank text without filters matches nothing.
func (s *Service) Search(ctx context.Context, text string, f search.Filters) ([]search.Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" && f.IsZero() {
		return []search.Hit{}, nil
	}
	return s.run(ctx, "search", search.Query{Text: text, Filters: f})
}

func (s *Service) SearchByContent(ctx context.Context, text string) ([]search.Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []search.Hit{}, nil
	}
	return s.run(ctx, "content", search.Query{
		Text:   text,
		Fields: []search.WeightedField{{Field: search.FieldContent, Boost: 1}},
	})
}

// SearchByAuthor matches the author name exactly.
func (s *Service) SearchByAuthor(ctx context.Context, author string) ([]search.Hit, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return []search.Hit{}, nil
	}
	return s.run(ctx, "author", search.Query{Filters: search.Filters{Author: author}})
}

// SearchByHomepage matches the homepage exactly.
func (s *Service) SearchByHomepage(ctx context.Context, homepage string) ([]search.Hit, error) {
	homepage = strings.TrimSpace(homepage)
	if homepage == "" {
		return []search.Hit{}, nil
	}
	return s.run(ctx, "homepage", search.Query{Filters: search.Filters{Homepage: homepage}})
}

// Suggest completes prefix over author names and content words. The result
// holds at most SuggestSize distinct strings.
func (s *Service) Suggest(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	out, err := s.engine.Suggest(ctx, prefix, SuggestSize)
	took := time.Since(start)
	s.observe("suggest", took, err)
	if err != nil {
		return nil, s.unavailable("suggest", prefix, err)
	}
	s.slow("suggest", prefix, took)
	return search.MergeSuggestions(SuggestSize, out), nil
}

func (s *Service) run(ctx context.Context, kind string, q search.Query) ([]search.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	hits, err := s.engine.Search(ctx, q)
	took := time.Since(start)
	s.observe(kind, took, err)
	if err != nil {
		return nil, s.unavailable(kind, q.Text, err)
	}
	s.slow(kind, describe(q), took)

	out := dedupe(hits)
	search.SortHits(out)
	return out, nil
}

func (s *Service) observe(kind string, took time.Duration, err error) {
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	s.m.SearchLatency.WithLabelValues(kind, result).Observe(took.Seconds())
}

func (s *Service) slow(kind, q string, took time.Duration) {
	if took >= s.opts.SlowThreshold {
		s.log.Warn("slow search", zap.String("kind", kind), zap.String("query", q), zap.Duration("took", took))
	}
}

// unavailable reports any engine failure on the read path as ErrUnavailable.
func (s *Service) unavailable(kind, q string, err error) error {
	s.log.Warn("search failed", zap.String("kind", kind), zap.String("query", q), zap.Error(err))
	if errors.Is(err, search.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", search.ErrUnavailable, err)
}

func dedupe(hits []search.Hit) []search.Hit {
	seen := make(map[string]struct{}, len(hits))
	out := make([]search.Hit, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}

func describe(q search.Query) string {
	parts := []string{}
	if q.Text != "" {
		parts = append(parts, q.Text)
	}
	if q.Filters.Level != nil {
		parts = append(parts, fmt.Sprintf("level=%d", *q.Filters.Level))
	}
	if q.Filters.Author != "" {
		parts = append(parts, "author="+q.Filters.Author)
	}
	if q.Filters.Homepage != "" {
		parts = append(parts, "homepage="+q.Filters.Homepage)
	}
	return strings.Join(parts, " ")
}
