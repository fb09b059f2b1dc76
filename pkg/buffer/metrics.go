package buffer

import (
	"github.com/c360/astrobuf/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics mirrors Statistics as Prometheus series labelled by data type.
type bufferMetrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, label string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"data_type": label}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "astrobuf",
			Subsystem:   "queue",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Chunks appended to the stream queue",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "astrobuf",
			Subsystem:   "queue",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Chunks taken from the stream queue",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "astrobuf",
			Subsystem:   "queue",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Chunks dropped from a full stream queue",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "astrobuf",
			Subsystem:   "queue",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Chunks currently queued",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "astrobuf",
			Subsystem:   "queue",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Queue fill ratio (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(label, "queue_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "queue_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "queue_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(label, "queue_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(label, "queue_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
