package storage

import (
	"testing"
	"time"

	cerrors "github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{
			{Name: "Vis", MaxSize: 3000, MaxChunkSize: 1000},
			{Name: "Beam", MaxSize: 64, MaxChunkSize: 16},
		},
		Services: []BufferConfig{
			{Name: "Pos", MaxSize: 64, MaxChunkSize: 32},
			{Name: "Freq", MaxSize: 64, MaxChunkSize: 32},
		},
	}, ManagerDeps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return m
}

func put(t *testing.T, m *Manager, name, payload string) {
	t.Helper()
	w := m.GetWritableData(name, len(payload))
	require.True(t, w.IsValid(), "no writable data for %s", name)
	copy(w.Data(), payload)
	w.Commit(len(payload))
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	_, err := NewManager(ManagerConfig{
		Streams:  []BufferConfig{{Name: "Vis", MaxSize: 10, MaxChunkSize: 10}},
		Services: []BufferConfig{{Name: "Vis", MaxSize: 10, MaxChunkSize: 10}},
	}, ManagerDeps{})
	require.Error(t, err)
	assert.True(t, cerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "duplicate")
}

func TestManagerRejectsInvalidBuffer(t *testing.T) {
	_, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{{Name: "Vis", MaxSize: 10}},
	}, ManagerDeps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrInvalidConfig)
}

func TestManagerScenarioVisStream(t *testing.T) {
	m := newTestManager(t)

	packet := make([]byte, 1000)
	for i := range packet {
		packet[i] = byte(i)
	}
	w := m.GetWritableData("Vis", len(packet))
	require.True(t, w.IsValid())
	copy(w.Data(), packet)
	w.Commit(len(packet))

	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, nil))
	require.True(t, snap.IsValid())
	defer snap.Release()

	vis := snap.Stream("Vis")
	require.NotNil(t, vis)
	assert.Equal(t, packet, vis.Bytes())
}

func TestManagerUnknownTypeWithoutAutoRegister(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.GetWritableData("Nope", 4))
	_, ok := m.Buffer("Nope")
	assert.False(t, ok)
}

func TestManagerAutoRegistersUnknownTypes(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		AllowUnknownTypes: true,
		Default:           BufferConfig{MaxSize: 32, MaxChunkSize: 8},
	}, ManagerDeps{})
	require.NoError(t, err)

	put(t, m, "Raw", "bytes")

	b, ok := m.Buffer("Raw")
	require.True(t, ok)
	assert.Equal(t, Stream, b.Kind())

	streams, services := m.Supported()
	assert.Equal(t, []string{"Raw"}, streams)
	assert.Empty(t, services)
}

func TestManagerAutoRegisterValidatesDefault(t *testing.T) {
	_, err := NewManager(ManagerConfig{AllowUnknownTypes: true}, ManagerDeps{})
	require.Error(t, err)
	assert.True(t, cerrors.IsFatal(err))
}

func TestManagerCompositeWithUnregisteredServiceHoldsNoLocks(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Vis", "chunk")

	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, []string{"Missing"}))
	assert.Nil(t, snap)

	vis, _ := m.Buffer("Vis")
	assert.Equal(t, 0, vis.Stats().Locked)
	assert.Equal(t, 1, vis.Queued(), "stream chunk must not be consumed")
}

func TestManagerCompositeMissingServiceData(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Vis", "chunk")
	put(t, m, "Pos", "p1")

	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, []string{"Pos", "Freq"}))
	assert.Nil(t, snap)

	for _, name := range []string{"Vis", "Pos"} {
		b, _ := m.Buffer(name)
		assert.Equal(t, 0, b.Stats().Locked, name)
	}
}

func TestManagerCompositeRequeuesPartialStreams(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Beam", "b1")

	// Beam sorts before Vis and is dequeued first; Vis has nothing.
	snap := m.GetLockedData(NewRequirements([]string{"Vis", "Beam"}, nil))
	assert.Nil(t, snap)

	beam, _ := m.Buffer("Beam")
	assert.Equal(t, 1, beam.Queued(), "dequeued chunk is returned to the queue")
	assert.Equal(t, 0, beam.Stats().Locked)

	put(t, m, "Vis", "v1")
	snap = m.GetLockedData(NewRequirements([]string{"Vis", "Beam"}, nil))
	require.True(t, snap.IsValid())
	assert.Equal(t, "b1", string(snap.Stream("Beam").Bytes()))
	assert.Equal(t, "v1", string(snap.Stream("Vis").Bytes()))
	snap.Release()
}

func TestManagerCompositeWithServices(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Pos", "p1")
	put(t, m, "Vis", "v1")

	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, []string{"Pos"}))
	require.True(t, snap.IsValid())
	defer snap.Release()

	assert.Equal(t, "p1", string(snap.Service("Pos").Bytes()))
	assert.Equal(t, map[string]string{"Pos": "1"}, snap.Associates())
	assert.Empty(t, snap.Stale())
}

func TestManagerStaleAssociates(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Pos", "p1")
	put(t, m, "Vis", "v1")
	put(t, m, "Pos", "p2")

	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, []string{"Pos"}))
	require.True(t, snap.IsValid())
	defer snap.Release()

	assert.Equal(t, "p2", string(snap.Service("Pos").Bytes()))
	assert.Equal(t, "1", snap.Stream("Vis").Associates()["Pos"])
	assert.Equal(t, []string{"Pos"}, snap.Stale())
}

func TestManagerServicesAreNotStreams(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Pos", "p1")

	assert.Nil(t, m.GetLockedData(NewRequirements([]string{"Pos"}, nil)))
	assert.Nil(t, m.GetLockedData(DataRequirements{}))
}

func TestManagerResolveFirstSatisfiable(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Beam", "b1")

	alts := []DataRequirements{
		NewRequirements([]string{"Vis"}, nil),
		NewRequirements([]string{"Beam"}, nil),
	}
	assert.True(t, m.Satisfiable(alts))

	snap, idx := m.Resolve(alts)
	require.True(t, snap.IsValid())
	assert.Equal(t, 1, idx)
	snap.Release()

	assert.False(t, m.Satisfiable(alts))
	snap, idx = m.Resolve(alts)
	assert.Nil(t, snap)
	assert.Equal(t, -1, idx)
}

func TestManagerGetServiceData(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Pos", "p1")
	put(t, m, "Freq", "f1")
	put(t, m, "Pos", "p2")

	snap, err := m.GetServiceData(map[string]string{"Pos": "", "Freq": "1"})
	require.NoError(t, err)
	require.True(t, snap.IsValid())
	assert.Equal(t, "p2", string(snap.Service("Pos").Bytes()))
	assert.Equal(t, "2", snap.Service("Pos").Version())
	assert.Equal(t, "f1", string(snap.Service("Freq").Bytes()))
	snap.Release()

	_, err = m.GetServiceData(map[string]string{"Pos": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "no longer available")

	_, err = m.GetServiceData(map[string]string{"Nope": ""})
	assert.ErrorIs(t, err, cerrors.ErrUnknownDataType)

	_, err = m.GetServiceData(nil)
	assert.True(t, cerrors.IsInvalid(err))

	pos, _ := m.Buffer("Pos")
	assert.Equal(t, 0, pos.Stats().Locked, "failed requests release their locks")
}

func TestManagerChangedNotifiesOnCommit(t *testing.T) {
	m := newTestManager(t)
	ch := m.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any commit")
	default:
	}

	put(t, m, "Vis", "v1")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("commit did not signal change")
	}
	assert.NotEqual(t, ch, m.Changed())
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t)
	put(t, m, "Vis", "v1")

	stats := m.Stats()
	require.Len(t, stats, 4)
	assert.Equal(t, "Beam", stats[0].Name)
	assert.Equal(t, "Vis", stats[3].Name)
	assert.Equal(t, 1, stats[3].Queued)
	assert.Equal(t, "stream", stats[3].Kind)
}

func TestManagerCloseWaitsForLocks(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{{Name: "Vis", MaxSize: 8, MaxChunkSize: 8}},
	}, ManagerDeps{})
	require.NoError(t, err)

	put(t, m, "Vis", "v1")
	snap := m.GetLockedData(NewRequirements([]string{"Vis"}, nil))
	require.NotNil(t, snap)

	go func() {
		time.Sleep(20 * time.Millisecond)
		snap.Release()
	}()
	require.NoError(t, m.Close(time.Second))

	assert.Nil(t, m.GetWritableData("Vis", 2))
	assert.NoError(t, m.Close(time.Second), "second close is a no-op")
}

func TestManagerCloseTimesOut(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{{Name: "Vis", MaxSize: 8, MaxChunkSize: 8}},
	}, ManagerDeps{})
	require.NoError(t, err)

	w := m.GetWritableData("Vis", 4)
	require.True(t, w.IsValid())
	defer w.Discard()

	start := time.Now()
	err = m.Close(30 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrTimeout)
	assert.True(t, cerrors.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestManagerUnsatisfiedMetric(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{{Name: "Vis", MaxSize: 8, MaxChunkSize: 8}},
	}, ManagerDeps{MetricsRegistry: registry})
	require.NoError(t, err)

	assert.Nil(t, m.GetLockedData(NewRequirements([]string{"Vis"}, nil)))
	assert.Nil(t, m.GetLockedData(NewRequirements([]string{"Other"}, nil)))

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsDeferred.WithLabelValues("no_stream_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsDeferred.WithLabelValues("unknown_type")))
}

func TestManagerResolveSkipsRepeatedAlternatives(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewManager(ManagerConfig{
		Streams: []BufferConfig{
			{Name: "Vis", MaxSize: 8, MaxChunkSize: 8},
			{Name: "Beam", MaxSize: 8, MaxChunkSize: 8},
		},
	}, ManagerDeps{MetricsRegistry: registry})
	require.NoError(t, err)
	put(t, m, "Beam", "b1")

	alts := []DataRequirements{
		NewRequirements([]string{"Vis"}, nil),
		NewRequirements([]string{"Vis", "Vis"}, nil),
		NewRequirements([]string{"Vis"}, []string{}),
		NewRequirements([]string{"Beam"}, nil),
	}
	snap, idx := m.Resolve(alts)
	require.True(t, snap.IsValid())
	defer snap.Release()
	assert.Equal(t, 3, idx)

	deferred := registry.CoreMetrics().RequestsDeferred.WithLabelValues("no_stream_data")
	assert.Equal(t, 1.0, testutil.ToFloat64(deferred), "equal sets are tried once")
}

func TestManagerMaxChunkSize(t *testing.T) {
	m := newTestManager(t)

	size, ok := m.MaxChunkSize("Vis")
	assert.True(t, ok)
	assert.Equal(t, 1000, size)
	size, ok = m.MaxChunkSize("Pos")
	assert.True(t, ok)
	assert.Equal(t, 32, size)
	_, ok = m.MaxChunkSize("Other")
	assert.False(t, ok)

	auto, err := NewManager(ManagerConfig{
		AllowUnknownTypes: true,
		Default:           BufferConfig{MaxSize: 64, MaxChunkSize: 16},
	}, ManagerDeps{})
	require.NoError(t, err)
	size, ok = auto.MaxChunkSize("Other")
	assert.True(t, ok)
	assert.Equal(t, 16, size)
}
