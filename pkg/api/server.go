package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/custodian/pkg/httputil"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/middleware"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
	"github.com/platinummonkey/custodian/pkg/similarity"
)

const defaultMaxUploadSize = 256 << 20

// Server exposes the ledger, retention engine, registry and similarity
// index over HTTP.
type Server struct {
	ledger   *ledger.Ledger
	engine   *retention.Engine
	registry *registry.Registry
	index    *similarity.Index

	router    *mux.Router
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	limiter   middleware.Limiter
	now       func() time.Time
	maxUpload int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics records per-route HTTP metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock sets the time source used for purge decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMaxUploadSize limits upload bodies.
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithRateLimiter rejects requests over the limiter's quota with 429.
func WithRateLimiter(l middleware.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a new API server
func NewServer(l *ledger.Ledger, engine *retention.Engine, reg *registry.Registry, idx *similarity.Index, opts ...Option) *Server {
	s := &Server{
		ledger:    l,
		engine:    engine,
		registry:  reg,
		index:     idx,
		router:    mux.NewRouter(),
		log:       logrus.StandardLogger(),
		now:       time.Now,
		maxUpload: defaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	if s.limiter != nil {
		s.router.Use(middleware.RateLimit(s.limiter, s.log))
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Attachment routes
	v1.HandleFunc("/attachments", s.uploadAttachment).Methods("POST")
	v1.HandleFunc("/attachments", s.listAttachments).Methods("GET")
	v1.HandleFunc("/attachments/register", s.registerAttachment).Methods("POST")
	v1.HandleFunc("/attachments/{id:[0-9]+}", s.getAttachment).Methods("GET")
	v1.HandleFunc("/attachments/{id:[0-9]+}", s.deleteAttachment).Methods("DELETE")
	v1.HandleFunc("/attachments/{id:[0-9]+}/content", s.downloadContent).Methods("GET")
	v1.HandleFunc("/attachments/{id:[0-9]+}/verify-content", s.verifyContent).Methods("POST")
	v1.HandleFunc("/attachments/{id:[0-9]+}/restore", s.restoreAttachment).Methods("POST")

	// Link routes
	v1.HandleFunc("/attachments/{id:[0-9]+}/links", s.listLinks).Methods("GET")
	v1.HandleFunc("/attachments/{id:[0-9]+}/links", s.createLink).Methods("POST")
	v1.HandleFunc("/links/{linkId:[0-9]+}", s.deleteLink).Methods("DELETE")

	// Retention routes
	v1.HandleFunc("/attachments/{id:[0-9]+}/retention", s.getPolicy).Methods("GET")
	v1.HandleFunc("/attachments/{id:[0-9]+}/retention", s.attachPolicy).Methods("PUT")
	v1.HandleFunc("/attachments/{id:[0-9]+}/retention", s.amendPolicy).Methods("PATCH")
	v1.HandleFunc("/attachments/{id:[0-9]+}/retention/template", s.applyTemplate).Methods("POST")
	v1.HandleFunc("/attachments/{id:[0-9]+}/legal-hold", s.setLegalHold).Methods("POST")
	v1.HandleFunc("/attachments/{id:[0-9]+}/purge-decision", s.purgeDecision).Methods("GET")
	v1.HandleFunc("/retention/templates", s.listTemplates).Methods("GET")

	// Similarity routes
	v1.HandleFunc("/attachments/{id:[0-9]+}/embeddings/{model}", s.upsertEmbedding).Methods("PUT")
	v1.HandleFunc("/attachments/{id:[0-9]+}/similar", s.similarAttachments).Methods("GET")
	v1.HandleFunc("/similarity/query", s.querySimilarity).Methods("POST")

	// Audit routes
	v1.HandleFunc("/audit/{entityType}/{entityId:[0-9]+}", s.auditHistory).Methods("GET")
	v1.HandleFunc("/audit/{entityType}/{entityId:[0-9]+}/verify", s.verifyChain).Methods("GET")
	v1.HandleFunc("/audit/{entityType}/{entityId:[0-9]+}/export", s.exportHistory).Methods("GET")
}

// Router returns the route table so callers can mount health and metrics
// endpoints next to the API.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler wraps the router with request ids, panic recovery, access logs,
// a body size cap and OpenTelemetry spans.
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.log),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(s.maxUpload),
	)
	return otelhttp.NewHandler(chain(s.router), "custodian-api")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// actor resolves the audit actor or writes a 400.
func actor(w http.ResponseWriter, r *http.Request) (ledger.Actor, bool) {
	a, err := httputil.ActorFromRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return ledger.Actor{}, false
	}
	return a, true
}

// fail logs server side failures and writes the mapped error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httputil.StatusFor(err); status >= http.StatusInternalServerError {
		observability.TraceLogger(r.Context(), observability.FromContext(r.Context())).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteError(w, err)
}
