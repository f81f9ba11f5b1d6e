// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health checks.
//
// # Logging
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("attachment_id", id).Info("soft deleted")
//
// # Metrics
//
// Domain components accept a *Metrics and call its Observe helpers. A nil
// *Metrics records nothing:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveLedgerAppend("create", elapsed, err)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, db, redisClient)
//	checker.Register("content", true, store.HealthCheck)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "custodian",
//		SampleRatio: 0.1,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
