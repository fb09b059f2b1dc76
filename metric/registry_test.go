package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/astrobuf/errors"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())

	names := gatheredNames(t, registry)
	assert.True(t, names["astrobuf_server_sessions_active"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"k"})

	require.NoError(t, registry.RegisterCounter("udp", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("udp", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("udp", "test_histogram", histogram))
	require.NoError(t, registry.RegisterGaugeVec("udp", "test_gauge_vec", gaugeVec))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(1.5)
	gaugeVec.WithLabelValues("x").Set(1)

	names := gatheredNames(t, registry)
	for _, name := range []string{"test_counter", "test_gauge", "test_histogram", "test_gauge_vec"} {
		assert.True(t, names[name], "%s should be registered", name)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "packets_total", Help: "p"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "packets_total", Help: "p"})

	require.NoError(t, registry.RegisterCounter("udp-vis", "packets", first))

	err := registry.RegisterCounter("udp-vis", "packets", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterCounter("udp-tp", "packets", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_UnregisterMetric(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "u"})
	require.NoError(t, registry.RegisterCounter("tcp", "unregister_counter", counter))
	assert.True(t, gatheredNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("tcp", "unregister_counter"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])
	assert.False(t, registry.Unregister("tcp", "unregister_counter"))

	// The key is free again.
	require.NoError(t, registry.RegisterCounter("tcp", "unregister_counter", counter))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("concurrent", name, counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, 10, count)
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var registrar MetricsRegistrar = NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "interface_counter", Help: "i"})
	require.NoError(t, registrar.RegisterCounter("nats", "interface_counter", counter))
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordComponentStatus("server", 2)
	m.RecordError("session", "invalid")
	m.RecordCommit("Vis")
	m.RecordCommit("Vis")
	m.RecordDrop("Vis")
	m.RecordWriteRejected("Vis", "budget")
	m.RecordAllocation("Vis", 3, 3000)
	m.RecordUnsatisfied("no_data")
	m.SessionOpened()
	m.RecordRequest("stream_data", "stream_data", 5*time.Millisecond)
	m.RecordChunkerState("udp-vis", 2)
	m.RecordReconnect("udp-vis")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksCommitted.WithLabelValues("Vis")))
	assert.Equal(t, 3000.0, testutil.ToFloat64(m.BytesAllocated.WithLabelValues("Vis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	m.SessionClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"astrobuf_component_status",
		"astrobuf_errors_total",
		"astrobuf_storage_chunks_committed_total",
		"astrobuf_storage_chunks_dropped_total",
		"astrobuf_storage_writes_rejected_total",
		"astrobuf_storage_bytes_allocated",
		"astrobuf_storage_cells",
		"astrobuf_storage_requests_unsatisfied_total",
		"astrobuf_server_requests_total",
		"astrobuf_server_request_duration_seconds",
		"astrobuf_chunker_state",
		"astrobuf_chunker_reconnects_total",
	} {
		assert.True(t, names[name], "core metric %s should be gathered", name)
	}
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommit("Vis")
		m.SessionOpened()
		m.SessionClosed()
		m.RecordRequest("ack", "plain", time.Millisecond)
	})

	var registry *MetricsRegistry
	assert.Nil(t, registry.CoreMetrics())
}

func findFamily(t *testing.T, registry *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestCoreMetrics_RequestLatencyHistogram(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordRequest("stream_data", "stream_data", 2*time.Millisecond)
	core.RecordRequest("stream_data", "error", 4*time.Millisecond)

	mf := findFamily(t, registry, "astrobuf_server_request_duration_seconds")
	assert.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)

	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.006, h.GetSampleSum(), 1e-9)

	labels := mf.GetMetric()[0].GetLabel()
	require.Len(t, labels, 1)
	assert.Equal(t, "stream_data", labels[0].GetValue())

	assert.Equal(t, 2, testutil.CollectAndCount(core.RequestsTotal))
}

