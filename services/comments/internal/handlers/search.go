package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/api"
	"github.com/example/comment-tree/services/comments/internal/query"
	"github.com/example/comment-tree/services/comments/internal/search"
)

type searchResponse struct {
	Hits  []search.Hit `json:"hits"`
	Total int          `json:"total"`
}

type suggestResponse struct {
	Suggestions []string `json:"suggestions"`
}

// Search handles GET /v1/search?q=&level=&author=&homepage=
func Search(q *query.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		f := search.Filters{
			Author:   strings.TrimSpace(params.Get("author")),
			Homepage: strings.TrimSpace(params.Get("homepage")),
		}
		if raw := strings.TrimSpace(params.Get("level")); raw != "" {
			level, err := strconv.Atoi(raw)
			if err != nil || level < 0 {
				writeError(w, r, log, errInvalidLevel)
				return
			}
			f.Level = &level
		}

		hits, err := q.Search(r.Context(), params.Get("q"), f)
		writeHits(w, r, log, hits, err)
	}
}

// SearchBy handles a single-field search such as GET /v1/search/content?q=
func SearchBy(fn func(context.Context, string) ([]search.Hit, error), log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits, err := fn(r.Context(), r.URL.Query().Get("q"))
		writeHits(w, r, log, hits, err)
	}
}

// Suggest handles GET /v1/search/suggest?q=
func Suggest(q *query.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := q.Suggest(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, suggestResponse{Suggestions: out})
	}
}

func writeHits(w http.ResponseWriter, r *http.Request, log *zap.Logger, hits []search.Hit, err error) {
	if err != nil {
		writeError(w, r, log, err)
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	api.WriteJSON(w, http.StatusOK, searchResponse{Hits: hits, Total: len(hits)})
}
