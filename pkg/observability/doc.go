// Package observability provides structured logging, Prometheus metrics,
// health probes and OpenTelemetry tracing for the metering engine.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel("info"), os.Stdout)
//	logger.WithField("user_id", userID).Info("Quota exceeded")
//
// Request-scoped fields travel in the context:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).Warn("Upstream cancel failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveQuotaDecision("pro", "allowed", 120)
//
// The Observe helpers accept a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tokenmeter",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
