// Package httputil holds the request and response helpers shared by the API
// handlers.
//
// Errors are written with WriteError, which maps the errdefs taxonomy onto
// status codes:
//
//	ErrNotFound          404
//	ErrValidation        400
//	ErrRetentionBlocked  409
//	ErrChainBroken       409
//	ErrConflict          409
//	ErrSignature         503
//	anything else        500 (message withheld)
//
// ActorFromRequest builds the audit actor from X-Actor-ID, X-Session-ID,
// X-Device-Info and the client address.
//
// Middleware:
//
//	handler = httputil.Chain(
//		httputil.RequestIDMiddleware(log),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(256<<20),
//	)(router)
package httputil
