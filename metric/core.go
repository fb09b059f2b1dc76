package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the server-wide series shared by storage, sessions and
// chunkers. Per-component counters are registered separately through
// MetricsRegistrar. The Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	// Storage
	ChunksCommitted  *prometheus.CounterVec
	ChunksDropped    *prometheus.CounterVec
	WritesRejected   *prometheus.CounterVec
	BytesAllocated   *prometheus.GaugeVec
	CellsAllocated   *prometheus.GaugeVec
	RequestsDeferred *prometheus.CounterVec

	// Sessions
	SessionsActive  prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Chunkers
	ChunkerState      *prometheus.GaugeVec
	ChunkerReconnects *prometheus.CounterVec
}

// NewMetrics creates the series without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "astrobuf",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component state (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),

		ChunksCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "chunks_committed_total",
				Help:      "Chunks made readable after a completed write",
			},
			[]string{"data_type"},
		),

		ChunksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "chunks_dropped_total",
				Help:      "Committed chunks discarded before any client read them",
			},
			[]string{"data_type"},
		),

		WritesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "writes_rejected_total",
				Help:      "Writable cell requests that returned an invalid handle",
			},
			[]string{"data_type", "reason"},
		),

		BytesAllocated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "bytes_allocated",
				Help:      "Bytes of cell capacity held by a buffer",
			},
			[]string{"data_type"},
		),

		CellsAllocated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "cells",
				Help:      "Cells held by a buffer",
			},
			[]string{"data_type"},
		),

		RequestsDeferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "storage",
				Name:      "requests_unsatisfied_total",
				Help:      "Composite requests that could not be satisfied",
			},
			[]string{"reason"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "astrobuf",
				Subsystem: "server",
				Name:      "sessions_active",
				Help:      "Open client sessions",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests handled by kind and response kind",
			},
			[]string{"request", "response"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "astrobuf",
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time from request decoded to response written",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"request"},
		),

		ChunkerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "astrobuf",
				Subsystem: "chunker",
				Name:      "state",
				Help:      "Chunker state (0=idle, 1=connected, 2=receiving, 3=reconnecting, 4=stopped)",
			},
			[]string{"chunker"},
		),

		ChunkerReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "astrobuf",
				Subsystem: "chunker",
				Name:      "reconnects_total",
				Help:      "Device reopen attempts after an emitter failure",
			},
			[]string{"chunker"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ComponentStatus,
		c.ErrorsTotal,
		c.ChunksCommitted,
		c.ChunksDropped,
		c.WritesRejected,
		c.BytesAllocated,
		c.CellsAllocated,
		c.RequestsDeferred,
		c.SessionsActive,
		c.RequestsTotal,
		c.RequestDuration,
		c.ChunkerState,
		c.ChunkerReconnects,
	}
}

func (c *Metrics) RecordComponentStatus(component string, status int) {
	if c == nil {
		return
	}
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

func (c *Metrics) RecordError(component, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

func (c *Metrics) RecordCommit(dataType string) {
	if c == nil {
		return
	}
	c.ChunksCommitted.WithLabelValues(dataType).Inc()
}

func (c *Metrics) RecordDrop(dataType string) {
	if c == nil {
		return
	}
	c.ChunksDropped.WithLabelValues(dataType).Inc()
}

func (c *Metrics) RecordWriteRejected(dataType, reason string) {
	if c == nil {
		return
	}
	c.WritesRejected.WithLabelValues(dataType, reason).Inc()
}

// RecordAllocation publishes the current cell count and byte total of a buffer.
func (c *Metrics) RecordAllocation(dataType string, cells int, bytes int64) {
	if c == nil {
		return
	}
	c.CellsAllocated.WithLabelValues(dataType).Set(float64(cells))
	c.BytesAllocated.WithLabelValues(dataType).Set(float64(bytes))
}

func (c *Metrics) RecordUnsatisfied(reason string) {
	if c == nil {
		return
	}
	c.RequestsDeferred.WithLabelValues(reason).Inc()
}

func (c *Metrics) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsActive.Inc()
}

func (c *Metrics) SessionClosed() {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
}

// RecordRequest counts one request/response exchange and its latency.
func (c *Metrics) RecordRequest(request, response string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(request, response).Inc()
	c.RequestDuration.WithLabelValues(request).Observe(duration.Seconds())
}

func (c *Metrics) RecordChunkerState(chunker string, state int) {
	if c == nil {
		return
	}
	c.ChunkerState.WithLabelValues(chunker).Set(float64(state))
}

func (c *Metrics) RecordReconnect(chunker string) {
	if c == nil {
		return
	}
	c.ChunkerReconnects.WithLabelValues(chunker).Inc()
}
