// Package observability provides logging, metrics, and tracing
// for the gateway shards and the REST client.
//
// # Logging
//
// The Logger interface provides structured logging over zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("shard ready",
//	    observability.ShardID(0),
//	    observability.String("session_id", id),
//	)
//
// # Metrics
//
// Prometheus metrics for shard status, heartbeats, reconnects, REST
// requests and rate limit buckets, served from a dedicated registry:
//
//	metrics := observability.NewMetrics("avacord")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry client spans for REST requests with OTLP gRPC export.
package observability
