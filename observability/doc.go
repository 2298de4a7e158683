// Package observability provides an OpenTelemetry-based metrics
// extension for the engine. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for workflow, step, event,
// trigger, and participant activity.
//
// For per-command tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
