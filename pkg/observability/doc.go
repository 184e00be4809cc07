/*
Package observability turns runtime lifecycle hooks into telemetry.

Metrics exposes Prometheus counters and histograms for transitions, capability
calls and stream envelopes. AuditHooks forwards every transition to a
ports.AuditSink, and LogHooks writes the same events as structured logs.
All three return domain.LifecycleHooks; combine them with domain.ChainHooks.
*/
package observability
