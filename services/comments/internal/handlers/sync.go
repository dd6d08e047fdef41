package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/api"
	"github.com/example/comment-tree/internal/platform/httpserver"
	"github.com/example/comment-tree/services/comments/internal/events"
)

// SyncRequester hands a sync request to the indexer.
type SyncRequester interface {
	RequestSync(ctx context.Context, req events.SyncRequest) error
}

// IndexRequester hands a single-comment re-index request to the indexer.
type IndexRequester interface {
	RequestIndex(ctx context.Context, req events.IndexRequest) error
}

type syncResponse struct {
	RequestID string          `json:"requestId"`
	SyncType  events.SyncType `json:"syncType"`
	Since     *time.Time      `json:"since,omitempty"`
}

// FullSync handles POST /v1/sync/full
func FullSync(s SyncRequester, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestSync(w, r, s, log, events.NewSyncRequest(events.SyncFull, nil))
	}
}

// IncrementalSync handles POST /v1/sync/incremental?since=<RFC 3339>.
// Without since the indexer uses its default window.
func IncrementalSync(s SyncRequester, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since *time.Time
		if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, r, log, errInvalidSince)
				return
			}
			t = t.UTC()
			since = &t
		}
		requestSync(w, r, s, log, events.NewSyncRequest(events.SyncIncremental, since))
	}
}

func requestSync(w http.ResponseWriter, r *http.Request, s SyncRequester, log *zap.Logger, req events.SyncRequest) {
	if err := s.RequestSync(r.Context(), req); err != nil {
		log.Warn("sync request not published", zap.String("request_id", req.ID), zap.Error(err))
		api.WriteProblem(w, httpserver.RequestIDFromContext(r.Context()),
			api.Unavailable("BROKER_UNAVAILABLE", "sync request could not be queued"))
		return
	}
	api.WriteJSON(w, http.StatusAccepted, syncResponse{RequestID: req.ID, SyncType: req.SyncType, Since: req.Since})
}

type indexResponse struct {
	RequestID string             `json:"requestId"`
	CommentID string             `json:"commentId"`
	Action    events.IndexAction `json:"action"`
}

// ReindexComment handles POST /v1/comments/{id}/reindex?action=create|update|delete.
// The action defaults to update.
func ReindexComment(s IndexRequester, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		action, err := events.ParseIndexAction(r.URL.Query().Get("action"))
		if err != nil {
			api.WriteProblem(w, rid, errInvalidAction)
			return
		}

		req := events.NewIndexRequest(id, action)
		if err := s.RequestIndex(r.Context(), req); err != nil {
			log.Warn("index request not published", zap.String("request_id", req.ID), zap.Error(err))
			api.WriteProblem(w, rid, api.Unavailable("BROKER_UNAVAILABLE", "index request could not be queued"))
			return
		}
		api.WriteJSON(w, http.StatusAccepted, indexResponse{RequestID: req.ID, CommentID: id, Action: action})
	}
}
