package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/custodian/pkg/httputil"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/similarity"
)

const defaultTopK = 10

type embeddingRequest struct {
	Vector []float32 `json:"vector"`
	// SourceSHA256 defaults to the attachment's content hash.
	SourceSHA256 string `json:"source_sha256,omitempty"`
}

// upsertEmbedding handles PUT /v1/attachments/{id}/embeddings/{model}
func (s *Server) upsertEmbedding(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	model := mux.Vars(r)["model"]

	var req embeddingRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	var (
		a *registry.Attachment
		e *similarity.Embedding
	)
	err := s.registry.WithActive(r.Context(), id, func(ctx context.Context, active *registry.Attachment) error {
		a = active
		if req.SourceSHA256 == "" {
			req.SourceSHA256 = a.ContentHash
		}
		var err error
		e, err = s.index.Upsert(ctx, id, model, req.Vector, req.SourceSHA256)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"attachment_id": e.AttachmentID,
		"model":         e.Model,
		"dimension":     e.Dimension,
		"source_sha256": e.SourceSHA256,
		"stale":         e.Stale(a.ContentHash),
		"updated_at":    e.UpdatedAt,
	})
}

// similarAttachments handles GET /v1/attachments/{id}/similar?model=&k=
func (s *Server) similarAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	model := r.URL.Query().Get("model")
	if model == "" {
		httputil.WriteBadRequest(w, "model is required")
		return
	}
	k, err := httputil.ParseQueryInt(r, "k", defaultTopK)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	matches, err := s.index.Similar(r.Context(), id, model, k)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"matches": matches})
}

type similarityQueryRequest struct {
	Model  string    `json:"model"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

// querySimilarity handles POST /v1/similarity/query
func (s *Server) querySimilarity(w http.ResponseWriter, r *http.Request) {
	var req similarityQueryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Model == "" {
		httputil.WriteBadRequest(w, "model is required")
		return
	}
	if req.K == 0 {
		req.K = defaultTopK
	}
	matches, err := s.index.Query(r.Context(), req.Model, req.Vector, req.K)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if matches == nil {
		matches = []similarity.Match{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"matches": matches})
}
