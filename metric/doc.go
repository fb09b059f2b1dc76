// Package metric owns the Prometheus registry of an astrobuf server.
//
// MetricsRegistry wraps a private prometheus.Registry. It pre-registers the
// shared series in Metrics (storage commits and drops, sessions, chunker state)
// plus the Go runtime and process collectors. Components add their own
// collectors through MetricsRegistrar under a "component.metric" key; a second
// registration of the same key is rejected as invalid.
//
// Every Record method on *Metrics is a no-op on a nil receiver, so packages
// can be used without metrics:
//
//	var m *metric.Metrics // metrics disabled
//	m.RecordCommit("Vis") // does nothing
//
// Server exposes the registry over HTTP on /metrics, with /health alongside.
package metric
