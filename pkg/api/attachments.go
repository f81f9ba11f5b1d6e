package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/httputil"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
)

// HeaderFileName carries the original file name of an upload.
const HeaderFileName = "X-File-Name"

// uploadAttachment handles POST /v1/attachments. The body is the raw file.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	fileName := strings.TrimSpace(r.Header.Get(HeaderFileName))
	if fileName == "" {
		fileName = r.URL.Query().Get("file_name")
	}
	if fileName == "" {
		httputil.WriteBadRequest(w, HeaderFileName+" header is required")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUpload)
	a, err := s.registry.Upload(r.Context(), body, fileName, r.Header.Get("Content-Type"), who)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, a)
}

// registerAttachment handles POST /v1/attachments/register for bytes that
// are already in the content store.
func (s *Server) registerAttachment(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req registry.NewAttachment
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := s.registry.Register(r.Context(), req, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, a)
}

// listAttachments handles GET /v1/attachments?sha256= and ?ids=1,2,3
func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("sha256") != "":
		found, err := s.registry.FindByHash(r.Context(), q.Get("sha256"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		httputil.WriteSuccess(w, map[string]interface{}{"attachments": found})
	case q.Get("ids") != "":
		ids, err := parseIDs(q.Get("ids"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		found, err := s.registry.GetMany(r.Context(), ids)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out := make([]registry.Attachment, 0, len(found))
		for _, id := range ids {
			if a, ok := found[id]; ok {
				out = append(out, a)
				delete(found, id)
			}
		}
		httputil.WriteSuccess(w, map[string]interface{}{"attachments": out})
	default:
		httputil.WriteBadRequest(w, "sha256 or ids query parameter is required")
	}
}

func parseIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id %q", errdefs.ErrValidation, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// getAttachment handles GET /v1/attachments/{id}
func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	includeDeleted, err := httputil.ParseQueryBool(r, "include_deleted", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var a *registry.Attachment
	if includeDeleted {
		a, err = s.registry.GetIncludingDeleted(r.Context(), id)
	} else {
		a, err = s.registry.Get(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// downloadContent handles GET /v1/attachments/{id}/content. Every download
// is recorded as an access event on the attachment.
func (s *Server) downloadContent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}

	rc, a, err := s.registry.Open(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	if _, err := s.ledger.Append(r.Context(), ledger.EventInput{
		Key:    registry.AuditKey(id),
		Action: ledger.ActionAccess,
		Actor:  who,
		Note:   "content downloaded",
	}); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.FileName))
	w.Header().Set("X-Content-SHA256", a.ContentHash)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("attachment_id", id).Warn("content download interrupted")
	}
}

// verifyContent handles POST /v1/attachments/{id}/verify-content
func (s *Server) verifyContent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	check, err := s.registry.VerifyContent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, check)
}

// deleteAttachment handles DELETE /v1/attachments/{id}?mode=&review_approved=&note=
func (s *Server) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	approved, err := httputil.ParseQueryBool(r, "review_approved", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var mode retention.DeleteMode
	if raw := r.URL.Query().Get("mode"); raw != "" {
		if mode, err = retention.ParseDeleteMode(raw); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	a, err := s.registry.Delete(r.Context(), id, registry.DeleteRequest{
		Mode:           mode,
		Actor:          who,
		ReviewApproved: approved,
		Note:           r.URL.Query().Get("note"),
	})
	if err != nil && a != nil {
		// The tombstone committed; only byte removal failed.
		observability.FromContext(r.Context()).WithError(err).WithFields(logrus.Fields{
			"attachment_id": id,
			"pointer":       a.StoragePointer,
		}).Error("attachment purged but content removal failed")
		w.Header().Set("X-Custodian-Warning", "content removal failed")
		httputil.WriteSuccess(w, a)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// restoreAttachment handles POST /v1/attachments/{id}/restore
func (s *Server) restoreAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	a, err := s.registry.Restore(r.Context(), id, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// listLinks handles GET /v1/attachments/{id}/links
func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	links, err := s.registry.Links(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"links": links})
}

type createLinkRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
}

// createLink handles POST /v1/attachments/{id}/links
func (s *Server) createLink(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req createLinkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	link, err := s.registry.Link(r.Context(), id, req.EntityType, req.EntityID, who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, link)
}

// deleteLink handles DELETE /v1/links/{linkId}
func (s *Server) deleteLink(w http.ResponseWriter, r *http.Request) {
	linkID, ok := httputil.ParsePathInt64OrError(w, r, "linkId")
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	if err := s.registry.Unlink(r.Context(), linkID, who); err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
