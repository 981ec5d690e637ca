// Package observability provides metrics and distributed tracing for the
// dispatch core.
//
// # Overview
//
// Only the two pillars the dispatch core actually exercises are kept:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Tracing - Distributed request tracing with OpenTelemetry
//
// Structured logging is handled directly via zerolog at each call site
// (see the dispatcher, toolrunner, and cmd/dispatch-probe packages)
// rather than through a package-level logging abstraction here.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - LLM API request latency and token usage per backend
//   - Tool execution performance
//   - Error rates by component and type
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("cloud_a", "claude-sonnet-4-20250514", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a request across the
// Dispatcher, Tool Runner, and backend adapters:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "dispatch-core",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "dispatch.send")
//	defer span.End()
package observability
