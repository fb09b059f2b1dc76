package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/config"
	cerrors "github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChunker(t *testing.T, w chunker.Writer, opts config.Options, reg *metric.MetricsRegistry) *Chunker {
	t.Helper()
	c, err := NewChunker(chunker.Config{Name: "vis-udp", Type: Type, DataType: "Vis", Options: opts},
		chunker.Deps{Writer: w, MetricsRegistry: reg})
	require.NoError(t, err)
	return c
}

func openDevice(t *testing.T, c *Chunker) *net.UDPConn {
	t.Helper()
	dev, err := c.NewDevice(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev.(*net.UDPConn)
}

func send(t *testing.T, to net.Addr, payloads ...string) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write([]byte(p))
		require.NoError(t, err)
	}
}

func TestNewChunkerOptions(t *testing.T) {
	m := testutil.NewManager(t, 256, 2, "Vis")

	c := newChunker(t, m, config.Options{
		"address":           "127.0.0.1:0",
		"packet_size":       "64",
		"packets_per_chunk": 4,
		"read_timeout":      "20ms",
		"chunk_timeout":     "200ms",
	}, nil)
	assert.Equal(t, 64, c.cfg.PacketSize)
	assert.Equal(t, 256, c.cfg.ChunkSize())
	assert.Equal(t, 20*time.Millisecond, c.cfg.ReadTimeout)
	assert.Equal(t, 200*time.Millisecond, c.cfg.ChunkTimeout)
	assert.Equal(t, defaultReadBuffer, c.cfg.ReadBuffer)

	tests := []struct {
		name  string
		opts  config.Options
		field string
	}{
		{"missing address", config.Options{}, "address"},
		{"packet too large", config.Options{"address": ":0", "packet_size": 70000}, "packet_size"},
		{"zero packets", config.Options{"address": ":0", "packets_per_chunk": 0}, "packets_per_chunk"},
		{"bad timeout", config.Options{"address": ":0", "read_timeout": "-1s"}, "read_timeout"},
		{"bad chunk timeout", config.Options{"address": ":0", "chunk_timeout": "0s"}, "chunk_timeout"},
		{"chunk larger than buffer", config.Options{"address": ":0", "packet_size": 257}, "max_chunk_size"},
		{"gathered chunk larger than buffer", config.Options{"address": ":0", "packet_size": 100, "packets_per_chunk": 3}, "max_chunk_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(chunker.Config{Name: "u", Type: Type, DataType: "Vis", Options: tt.opts},
				chunker.Deps{Writer: m})
			require.Error(t, err)
			assert.ErrorIs(t, err, cerrors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNextWritesDatagramAsChunk(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	m := testutil.NewManager(t, 100, 4, "Vis")
	c := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100}, reg)
	conn := openDevice(t, c)

	send(t, conn.LocalAddr(), "visibilities")

	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "visibilities", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.packetsReceived))
	assert.Equal(t, 12.0, promtest.ToFloat64(c.metrics.bytesReceived))
}

func TestNextGathersPacketsPerChunk(t *testing.T) {
	m := testutil.NewManager(t, 30, 2, "Vis")
	c := newChunker(t, m, config.Options{
		"address": "127.0.0.1:0", "packet_size": 10, "packets_per_chunk": 3, "read_timeout": "50ms",
	}, nil)
	conn := openDevice(t, c)

	send(t, conn.LocalAddr(), "aaaaaaaaaa", "bbbbb", "cccccccccc")

	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, "aaaaaaaaaabbbbbcccccccccc", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestNextIdleTimeout(t *testing.T) {
	m := testutil.NewManager(t, 100, 2, "Vis")
	c := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100, "read_timeout": "10ms"}, nil)
	conn := openDevice(t, c)

	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Zero(t, n)
	testutil.NoChunk(t, m, "Vis", 20*time.Millisecond)

	assert.Zero(t, c.Stats().Dropped)

	send(t, conn.LocalAddr(), "after")
	_, err = c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "after", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestNextDrainsWhenStorageFull(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	m := testutil.NewManager(t, 100, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100}, reg)
	conn := openDevice(t, c)

	send(t, conn.LocalAddr(), "kept", "lost")

	_, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "datagram read off the socket even with no storage")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(4), stats.DroppedBytes)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.packetsDropped))
	assert.Equal(t, "kept", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestNewDeviceAddressInUse(t *testing.T) {
	m := testutil.NewManager(t, 100, 1, "Vis")
	first := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100}, nil)
	conn := openDevice(t, first)

	second := newChunker(t, m, config.Options{"address": conn.LocalAddr().String(), "packet_size": 100}, nil)
	_, err := second.NewDevice(context.Background())
	require.Error(t, err)
	assert.True(t, cerrors.IsFatal(err))
	assert.ErrorIs(t, err, cerrors.ErrAddressInUse)
}

func TestRunnerFeedsStorage(t *testing.T) {
	held, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := held.LocalAddr().String()
	require.NoError(t, held.Close())

	m := testutil.NewManager(t, 100, 4, "Vis")
	reg := chunker.NewRegistry()
	require.NoError(t, reg.Register(Type, New))
	runner, err := reg.NewRunner(chunker.Config{
		Name: "vis-udp", Type: Type, DataType: "Vis",
		Options: config.Options{"address": addr, "packet_size": 100, "read_timeout": "10ms"},
	}, chunker.Deps{Writer: m})
	require.NoError(t, err)

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(time.Second)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	send(t, udpAddr, "chunk-1")
	assert.Equal(t, "chunk-1", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	assert.True(t, runner.Health().Healthy)
}

func TestNewChunkerRejectsUnknownDataType(t *testing.T) {
	m := testutil.NewManager(t, 100, 1, "Vis")
	_, err := NewChunker(chunker.Config{
		Name: "u", Type: Type, DataType: "Beam", Options: config.Options{"address": ":0", "packet_size": 100},
	}, chunker.Deps{Writer: m})
	require.Error(t, err)
	assert.True(t, cerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "data_type")
}

func TestNextStoresDatagramAtItsOwnLength(t *testing.T) {
	m := testutil.NewManager(t, 100, 4, "Vis")
	c := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100}, nil)
	conn := openDevice(t, c)

	send(t, conn.LocalAddr(), "twelve bytes")
	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	buf, ok := m.Buffer("Vis")
	require.True(t, ok)
	assert.Equal(t, int64(12), buf.Stats().Allocated)
	assert.Equal(t, "twelve bytes", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestNextIdleWithFullStorageDropsNothing(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	m := testutil.NewManager(t, 100, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": "127.0.0.1:0", "packet_size": 100, "read_timeout": "5ms"}, reg)
	conn := openDevice(t, c)

	// hold the only cell
	w := m.GetWritableData("Vis", 100)
	require.True(t, w.IsValid())
	defer w.Discard()

	for i := 0; i < 5; i++ {
		n, err := c.Next(context.Background(), conn)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	stats := c.Stats()
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.DroppedBytes)
	assert.Zero(t, promtest.ToFloat64(c.metrics.packetsDropped))
}

func TestNextCommitsPartialChunkAfterChunkTimeout(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	m := testutil.NewManager(t, 20, 2, "Vis")
	c := newChunker(t, m, config.Options{
		"address": "127.0.0.1:0", "packet_size": 10, "packets_per_chunk": 2,
		"read_timeout": "10ms", "chunk_timeout": "50ms",
	}, reg)
	conn := openDevice(t, c)

	send(t, conn.LocalAddr(), "half")

	done := make(chan int, 1)
	go func() {
		n, err := c.Next(context.Background(), conn)
		assert.NoError(t, err)
		done <- n
	}()

	select {
	case n := <-done:
		assert.Equal(t, 4, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Next kept waiting for the rest of the chunk")
	}
	assert.Equal(t, "half", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.partialChunks))

	buf, ok := m.Buffer("Vis")
	require.True(t, ok)
	assert.Zero(t, buf.Stats().Locked, "no cell left write-locked")
}
