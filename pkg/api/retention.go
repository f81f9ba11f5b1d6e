package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/custodian/pkg/httputil"
	"github.com/platinummonkey/custodian/pkg/retention"
)

type policyRequest struct {
	PolicyName     string               `json:"policy_name"`
	RetainUntil    *time.Time           `json:"retain_until,omitempty"`
	MinRetainDays  *int                 `json:"min_retain_days,omitempty"`
	MaxRetainDays  *int                 `json:"max_retain_days,omitempty"`
	DeleteMode     retention.DeleteMode `json:"delete_mode,omitempty"`
	ReviewRequired bool                 `json:"review_required"`
	Notes          string               `json:"notes,omitempty"`
}

// getPolicy handles GET /v1/attachments/{id}/retention
func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	p, err := s.engine.GetPolicy(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// attachPolicy handles PUT /v1/attachments/{id}/retention
func (s *Server) attachPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req policyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.DeleteMode != "" {
		if _, err := retention.ParseDeleteMode(string(req.DeleteMode)); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	p, err := s.engine.AttachPolicy(r.Context(), id, retention.Policy{
		PolicyName:     req.PolicyName,
		RetainUntil:    req.RetainUntil,
		MinRetainDays:  req.MinRetainDays,
		MaxRetainDays:  req.MaxRetainDays,
		DeleteMode:     req.DeleteMode,
		ReviewRequired: req.ReviewRequired,
		CreatedBy:      who.ID,
		Notes:          req.Notes,
	}, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// amendPolicy handles PATCH /v1/attachments/{id}/retention
func (s *Server) amendPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req retention.Amendment
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.DeleteMode != nil {
		if _, err := retention.ParseDeleteMode(string(*req.DeleteMode)); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	p, err := s.engine.AmendPolicy(r.Context(), id, req, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// applyTemplate handles POST /v1/attachments/{id}/retention/template
func (s *Server) applyTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	p, err := s.engine.ApplyTemplate(r.Context(), id, req.Name, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// setLegalHold handles POST /v1/attachments/{id}/legal-hold
func (s *Server) setLegalHold(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Hold *bool `json:"hold"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Hold == nil {
		httputil.WriteBadRequest(w, "hold is required")
		return
	}
	p, err := s.engine.ApplyLegalHold(r.Context(), id, *req.Hold, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// purgeDecision handles GET /v1/attachments/{id}/purge-decision?review_approved=&at=
func (s *Server) purgeDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	approved, err := httputil.ParseQueryBool(r, "review_approved", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	at, err := httputil.ParseQueryTime(r, "at")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if at.IsZero() {
		at = s.now()
	}
	d, err := s.engine.Explain(r.Context(), id, at, approved)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

// listTemplates handles GET /v1/retention/templates
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"templates": s.engine.Templates().List()})
}
