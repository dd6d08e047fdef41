// Package handlers is the HTTP surface of the comments service.
package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/comment-tree/services/comments/internal/comments"
	"github.com/example/comment-tree/services/comments/internal/query"
	"github.com/example/comment-tree/services/comments/internal/retention"
)

type Deps struct {
	Comments  *comments.Service
	Query     *query.Service
	Retention *retention.Scheduler
	Sync      SyncRequester
	Index     IndexRequester
	Log       *zap.Logger
	Started   time.Time
}

// Mount registers every /v1 route on r.
func Mount(r chi.Router, d Deps) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/comments", ListComments(d.Comments, log))
		r.Post("/comments", CreateComment(d.Comments, log))
		r.Get("/comments/homepage/{homepage}", GetByHomepage(d.Comments, log))
		r.Get("/comments/{id}", GetComment(d.Comments, log))
		r.Delete("/comments/{id}", DeleteComment(d.Comments, log))
		r.Post("/comments/{id}/replies", CreateReply(d.Comments, log))
		if d.Index != nil {
			r.Post("/comments/{id}/reindex", ReindexComment(d.Index, log))
		}

		r.Get("/search", Search(d.Query, log))
		r.Get("/search/content", SearchBy(d.Query.SearchByContent, log))
		r.Get("/search/author", SearchBy(d.Query.SearchByAuthor, log))
		r.Get("/search/homepage", SearchBy(d.Query.SearchByHomepage, log))
		r.Get("/search/suggest", Suggest(d.Query, log))

		r.Get("/cleanup/stats", CleanupStats(d.Retention, d.Started))
		r.Delete("/cleanup/stats", ResetCleanupStats(d.Retention))
		r.Post("/cleanup/manual", ManualCleanup(d.Retention, log))
		r.Get("/cleanup/health", CleanupHealth(d.Retention))
		r.Get("/cleanup/system", SystemInfo(d.Started))

		r.Post("/sync/full", FullSync(d.Sync, log))
		r.Post("/sync/incremental", IncrementalSync(d.Sync, log))
	})
}
