package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Type is the registry name of the UDP chunker.
const Type = "udp"

const (
	maxDatagram       = 65507
	defaultReadBuffer = 2 * 1024 * 1024
)

// Config holds the UDP chunker options.
type Config struct {
	// Address to bind, host:port.
	Address string
	// PacketSize is the largest datagram accepted; longer ones are
	// truncated.
	PacketSize int
	// PacketsPerChunk datagrams are gathered into one chunk.
	PacketsPerChunk int
	// ReadTimeout bounds each read so Stop is observed promptly.
	ReadTimeout time.Duration
	// ChunkTimeout bounds the wait for the rest of a started chunk.
	ChunkTimeout time.Duration
	// ReadBuffer is the requested kernel receive buffer size.
	ReadBuffer int
}

// DefaultConfig returns one 1500-byte datagram per chunk.
func DefaultConfig() Config {
	return Config{
		PacketSize:      1500,
		PacketsPerChunk: 1,
		ReadTimeout:     100 * time.Millisecond,
		ChunkTimeout:    time.Second,
		ReadBuffer:      defaultReadBuffer,
	}
}

func (c Config) Validate(name string) error {
	component := "chunker:" + name
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.ConfigError(component, "address", "%q: %v", c.Address, err)
	}
	if c.PacketSize <= 0 || c.PacketSize > maxDatagram {
		return errors.ConfigError(component, "packet_size", "must be in 1..%d, got %d", maxDatagram, c.PacketSize)
	}
	if c.PacketsPerChunk <= 0 {
		return errors.ConfigError(component, "packets_per_chunk", "must be > 0, got %d", c.PacketsPerChunk)
	}
	if c.ReadTimeout <= 0 {
		return errors.ConfigError(component, "read_timeout", "must be > 0, got %v", c.ReadTimeout)
	}
	if c.ChunkTimeout <= 0 {
		return errors.ConfigError(component, "chunk_timeout", "must be > 0, got %v", c.ChunkTimeout)
	}
	return nil
}

// ChunkSize is the size of one chunk in bytes.
func (c Config) ChunkSize() int { return c.PacketSize * c.PacketsPerChunk }

// Metrics holds Prometheus metrics for one UDP chunker.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	partialChunks   prometheus.Counter
	socketErrors    prometheus.Counter
}

// newMetrics creates and registers the metrics; nil registry, nil metrics.
func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"chunker": name}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "udp", Name: "packets_received_total",
			Help: "Total UDP packets received", ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "udp", Name: "bytes_received_total",
			Help: "Total bytes received from UDP", ConstLabels: labels,
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "udp", Name: "packets_dropped_total",
			Help: "Packets read and discarded because storage was full", ConstLabels: labels,
		}),
		partialChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "udp", Name: "partial_chunks_total",
			Help: "Chunks committed short because the sender paused mid-chunk", ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "udp", Name: "socket_errors_total",
			Help: "Socket read errors encountered", ConstLabels: labels,
		}),
	}

	service := "udp_" + name
	_ = registry.RegisterCounter(service, "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter(service, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(service, "packets_dropped", m.packetsDropped)
	_ = registry.RegisterCounter(service, "partial_chunks", m.partialChunks)
	_ = registry.RegisterCounter(service, "socket_errors", m.socketErrors)
	return m
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) dropped() {
	if m != nil {
		m.packetsDropped.Inc()
	}
}

func (m *Metrics) partial() {
	if m != nil {
		m.partialChunks.Inc()
	}
}

func (m *Metrics) socketError() {
	if m != nil {
		m.socketErrors.Inc()
	}
}

// Chunker receives datagrams on a bound UDP socket and gathers
// PacketsPerChunk of them into one chunk.
type Chunker struct {
	*chunker.Base
	cfg     Config
	metrics *Metrics

	// scratch receives the first datagram of each chunk, and every datagram
	// that has no storage.
	scratch []byte
}

var _ chunker.Chunker = (*Chunker)(nil)

// New builds a UDP chunker. Options: address, packet_size,
// packets_per_chunk, read_timeout, chunk_timeout, read_buffer.
func New(cfg chunker.Config, deps chunker.Deps) (chunker.Chunker, error) {
	return NewChunker(cfg, deps)
}

// NewChunker is New with the concrete return type.
func NewChunker(cfg chunker.Config, deps chunker.Deps) (*Chunker, error) {
	base, err := chunker.NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	c.Address = cfg.Options.GetString("address", c.Address)
	c.PacketSize = cfg.Options.GetInt("packet_size", c.PacketSize)
	c.PacketsPerChunk = cfg.Options.GetInt("packets_per_chunk", c.PacketsPerChunk)
	c.ReadTimeout = cfg.Options.GetDuration("read_timeout", c.ReadTimeout)
	c.ChunkTimeout = cfg.Options.GetDuration("chunk_timeout", c.ChunkTimeout)
	c.ReadBuffer = cfg.Options.GetInt("read_buffer", c.ReadBuffer)
	if err := c.Validate(cfg.Name); err != nil {
		return nil, err
	}
	if err := base.CheckChunkSize("packet_size", c.ChunkSize()); err != nil {
		return nil, err
	}

	return &Chunker{
		Base:    base,
		cfg:     c,
		metrics: newMetrics(deps.MetricsRegistry, cfg.Name),
		scratch: make([]byte, c.PacketSize),
	}, nil
}

// NewDevice binds the socket. A port in use is fatal.
func (c *Chunker) NewDevice(_ context.Context) (chunker.Device, error) {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.Address)
	if err != nil {
		return nil, errors.WrapFatal(err, "udp-chunker", "NewDevice", "resolve "+c.cfg.Address)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		if stderrors.Is(err, syscall.EADDRINUSE) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrAddressInUse, c.cfg.Address),
				"udp-chunker", "NewDevice", "bind socket")
		}
		return nil, errors.WrapTransient(err, "udp-chunker", "NewDevice", "bind socket")
	}

	if c.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(c.cfg.ReadBuffer); err != nil {
			c.Logger().Warn("Could not set UDP buffer size", "buffer_size", c.cfg.ReadBuffer, "error", err)
		}
	}
	c.Logger().Info("UDP chunker bound", "address", conn.LocalAddr().String(),
		"chunk_size", c.cfg.ChunkSize())
	return conn, nil
}

// Next gathers one chunk. The first datagram is read before any storage is
// taken, so an idle line holds no cell and drops nothing. A chunk that has
// started is committed as it stands once ChunkTimeout passes without the
// rest of its datagrams.
func (c *Chunker) Next(ctx context.Context, dev chunker.Device) (int, error) {
	conn, ok := dev.(*net.UDPConn)
	if !ok {
		return 0, errors.WrapFatal(fmt.Errorf("unexpected device %T", dev), "udp-chunker", "Next", "check device")
	}

	n, idle, err := c.read(ctx, conn, c.scratch)
	if err != nil || idle || n == 0 {
		return 0, err
	}

	if c.cfg.PacketsPerChunk == 1 {
		if w := c.Acquire(n); w != nil {
			c.Commit(w, copy(w.Data(), c.scratch[:n]))
		} else {
			c.drained(n)
		}
		return n, nil
	}

	w := c.Acquire(c.cfg.ChunkSize())
	var dst []byte
	filled, read := 0, n
	if w != nil {
		dst = w.Data()
		filled = copy(dst, c.scratch[:n])
	} else {
		c.drained(n)
	}

	deadline := time.Now().Add(c.cfg.ChunkTimeout)
	packets := 1
	for packets < c.cfg.PacketsPerChunk {
		buf := c.scratch
		if dst != nil {
			buf = dst[filled : filled+c.cfg.PacketSize]
		}
		n, idle, err := c.read(ctx, conn, buf)
		if err != nil {
			c.Commit(w, filled)
			return read, err
		}
		if idle {
			if ctx.Err() != nil || !time.Now().Before(deadline) {
				break
			}
			continue
		}

		packets++
		read += n
		if dst != nil {
			filled += n
		} else {
			c.drained(n)
		}
	}

	if packets < c.cfg.PacketsPerChunk {
		c.metrics.partial()
		c.Logger().Debug("Committing partial chunk", "packets", packets, "want", c.cfg.PacketsPerChunk)
	}
	c.Commit(w, filled)
	return read, nil
}

// read waits up to ReadTimeout for one datagram. idle reports that none came
// or that ctx ended.
func (c *Chunker) read(ctx context.Context, conn *net.UDPConn, buf []byte) (n int, idle bool, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	n, _, err = conn.ReadFromUDP(buf)
	if err == nil {
		c.metrics.received(n)
		return n, false, nil
	}
	var ne net.Error
	if (stderrors.As(err, &ne) && ne.Timeout()) || ctx.Err() != nil {
		return 0, true, nil
	}
	c.metrics.socketError()
	return 0, false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
		"udp-chunker", "Next", "read datagram")
}

// drained records a datagram read with no storage to put it in.
func (c *Chunker) drained(n int) {
	c.metrics.dropped()
	c.Dropped(n)
}
