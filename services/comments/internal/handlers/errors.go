package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/api"
	"github.com/example/comment-tree/internal/platform/httpserver"
	"github.com/example/comment-tree/services/comments/internal/comments"
	"github.com/example/comment-tree/services/comments/internal/retention"
	"github.com/example/comment-tree/services/comments/internal/search"
	"github.com/example/comment-tree/services/comments/internal/store"
)

var (
	errNotFound      = api.Missing("comment not found")
	errSearchDown    = api.Unavailable("SEARCH_UNAVAILABLE", "search is temporarily unavailable")
	errSweepRunning  = api.Busy("SWEEP_IN_PROGRESS", "a cleanup sweep is already running")
	errInvalidLevel  = api.Invalid("INVALID_LEVEL", "level must be a non-negative integer")
	errInvalidSince  = api.Invalid("INVALID_SINCE", "since must be an RFC 3339 timestamp")
	errInvalidAction = api.Invalid("INVALID_ACTION", "action must be create, update or delete")
)

// problemFor maps domain errors onto API problems. It returns nil for errors
// the API has no name for.
func problemFor(err error) *api.Problem {
	var (
		verr *comments.ValidationError
		p    *api.Problem
	)
	switch {
	case errors.As(err, &p):
		return p
	case errors.As(err, &verr):
		out := api.Invalid("VALIDATION_FAILED", "input failed validation")
		for k, v := range verr.Fields {
			out = out.With(k, v)
		}
		return out
	case errors.Is(err, store.ErrNotFound):
		return errNotFound
	case errors.Is(err, search.ErrUnavailable):
		return errSearchDown
	case errors.Is(err, retention.ErrSweepInProgress):
		return errSweepRunning
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	p := problemFor(err)
	if p == nil {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", rid),
			zap.Error(err))
		p = api.ErrInternal
	}
	api.WriteProblem(w, rid, p)
}
