// Package api serves the custodian engine over HTTP with gorilla/mux.
//
// Every mutating request is attributed to the actor described by the
// X-Actor-ID, X-Session-ID and X-Device-Info headers plus the client
// address; authentication is expected to happen in front of the service.
// Content downloads and audit exports are themselves recorded in the ledger.
//
// Routes:
//
//	POST   /v1/attachments                          upload raw bytes (X-File-Name)
//	POST   /v1/attachments/register                 register bytes already stored
//	GET    /v1/attachments?sha256=|ids=             find by hash or id set
//	GET    /v1/attachments/{id}                     metadata (include_deleted=)
//	GET    /v1/attachments/{id}/content             download (audited access)
//	POST   /v1/attachments/{id}/verify-content      re-hash stored bytes
//	DELETE /v1/attachments/{id}                     soft or hard delete (mode=, review_approved=)
//	POST   /v1/attachments/{id}/restore             undo a soft delete
//	GET    /v1/attachments/{id}/links               list links
//	POST   /v1/attachments/{id}/links               link to an entity
//	DELETE /v1/links/{linkId}                       unlink
//	GET    /v1/attachments/{id}/retention           policy
//	PUT    /v1/attachments/{id}/retention           attach or replace a policy
//	PATCH  /v1/attachments/{id}/retention           amend a policy
//	POST   /v1/attachments/{id}/retention/template  apply a named template
//	POST   /v1/attachments/{id}/legal-hold          set or release a hold
//	GET    /v1/attachments/{id}/purge-decision      explain the purge decision
//	GET    /v1/retention/templates                  loaded templates
//	PUT    /v1/attachments/{id}/embeddings/{model}  store an embedding
//	GET    /v1/attachments/{id}/similar             nearest attachments (model=, k=)
//	POST   /v1/similarity/query                     nearest to a vector
//	GET    /v1/audit/{type}/{id}                    paged history (cursor=, limit=, from=, to=)
//	GET    /v1/audit/{type}/{id}/verify             chain verification report
//	GET    /v1/audit/{type}/{id}/export             json, ndjson or csv export
//
// With WithRateLimiter every route is limited per actor, or per client IP
// for anonymous callers, and over-quota requests get 429 with Retry-After.
//
// Errors are JSON bodies of the form {"error": "...", "code": "..."}; see
// httputil.StatusFor for the status mapping.
package api
