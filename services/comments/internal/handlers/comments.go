package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/api"
	"github.com/example/comment-tree/services/comments/internal/comments"
	"github.com/example/comment-tree/services/comments/internal/store"
)

type listResponse struct {
	Comments []store.Node `json:"comments"`
}

type deleteResponse struct {
	Deleted []string `json:"deleted"`
}

// ListComments handles GET /v1/comments
func ListComments(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := svc.FindAll(r.Context())
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		if nodes == nil {
			nodes = []store.Node{}
		}
		api.WriteJSON(w, http.StatusOK, listResponse{Comments: nodes})
	}
}

// GetComment handles GET /v1/comments/{id}
func GetComment(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := svc.FindByID(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, node)
	}
}

// GetByHomepage handles GET /v1/comments/homepage/{homepage}
func GetByHomepage(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := svc.FindByHomepage(r.Context(), chi.URLParam(r, "homepage"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, node)
	}
}

// CreateComment handles POST /v1/comments
func CreateComment(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in comments.CreateInput
		if err := api.DecodeJSON(w, r, &in); err != nil {
			writeError(w, r, log, api.ErrInvalidJSON)
			return
		}
		c, err := svc.CreateRoot(r.Context(), in)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, c)
	}
}

// CreateReply handles POST /v1/comments/{id}/replies
func CreateReply(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in comments.CreateInput
		if err := api.DecodeJSON(w, r, &in); err != nil {
			writeError(w, r, log, api.ErrInvalidJSON)
			return
		}
		c, err := svc.CreateReply(r.Context(), comments.ReplyInput{
			CreateInput: in,
			ParentID:    strings.TrimSpace(chi.URLParam(r, "id")),
		})
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, c)
	}
}

// DeleteComment handles DELETE /v1/comments/{id}
func DeleteComment(svc *comments.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := svc.Delete(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, deleteResponse{Deleted: removed})
	}
}
