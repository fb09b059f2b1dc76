package tcp

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Type is the registry name of the TCP chunker.
const Type = "tcp"

// Framing selects how the byte stream is cut into chunks.
type Framing string

const (
	// FramingFixed cuts every ChunkSize bytes.
	FramingFixed Framing = "fixed"
	// FramingLength reads a big-endian uint32 length before each chunk.
	FramingLength Framing = "length"
)

const lengthHeaderSize = 4

// Config holds the TCP chunker options.
type Config struct {
	// Address of the emitter to dial, host:port.
	Address     string
	Framing     Framing
	ChunkSize   int
	MaxFrame    int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	// StallTimeout bounds the wait for the rest of a started chunk. A stall
	// drops the connection so the stream is resynced on reconnect.
	StallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Framing:      FramingFixed,
		ChunkSize:    8192,
		MaxFrame:     16 * 1024 * 1024,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  100 * time.Millisecond,
		StallTimeout: 5 * time.Second,
	}
}

func (c Config) Validate(name string) error {
	component := "chunker:" + name
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.ConfigError(component, "address", "%q: %v", c.Address, err)
	}
	switch c.Framing {
	case FramingFixed:
		if c.ChunkSize <= 0 {
			return errors.ConfigError(component, "chunk_size", "must be > 0, got %d", c.ChunkSize)
		}
	case FramingLength:
		if c.MaxFrame <= 0 {
			return errors.ConfigError(component, "max_frame", "must be > 0, got %d", c.MaxFrame)
		}
	default:
		return errors.ConfigError(component, "framing", "must be %q or %q, got %q",
			FramingFixed, FramingLength, c.Framing)
	}
	if c.DialTimeout <= 0 {
		return errors.ConfigError(component, "dial_timeout", "must be > 0, got %v", c.DialTimeout)
	}
	if c.ReadTimeout <= 0 {
		return errors.ConfigError(component, "read_timeout", "must be > 0, got %v", c.ReadTimeout)
	}
	if c.StallTimeout < c.ReadTimeout {
		return errors.ConfigError(component, "stall_timeout", "must be >= read_timeout, got %v", c.StallTimeout)
	}
	return nil
}

type metrics struct {
	bytesReceived prometheus.Counter
	connects      prometheus.Counter
	framesDropped prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"chunker": name}
	m := &metrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "tcp", Name: "bytes_received_total",
			Help: "Total bytes read from the emitter", ConstLabels: labels,
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "tcp", Name: "connects_total",
			Help: "Successful connections to the emitter", ConstLabels: labels,
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrobuf", Subsystem: "tcp", Name: "frames_dropped_total",
			Help: "Chunks read and discarded because storage was full", ConstLabels: labels,
		}),
	}
	service := "tcp_" + name
	_ = registry.RegisterCounter(service, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(service, "connects", m.connects)
	_ = registry.RegisterCounter(service, "frames_dropped", m.framesDropped)
	return m
}

func (m *metrics) received(n int) {
	if m != nil && n > 0 {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *metrics) connected() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *metrics) dropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

// Chunker dials an emitter and cuts its byte stream into chunks, either of
// a fixed size or as length-prefixed frames.
type Chunker struct {
	*chunker.Base
	cfg     Config
	metrics *metrics
	scratch []byte
}

var _ chunker.Chunker = (*Chunker)(nil)

// New builds a TCP chunker. Options: address, framing, chunk_size,
// max_frame, dial_timeout, read_timeout, stall_timeout.
func New(cfg chunker.Config, deps chunker.Deps) (chunker.Chunker, error) {
	return NewChunker(cfg, deps)
}

func NewChunker(cfg chunker.Config, deps chunker.Deps) (*Chunker, error) {
	base, err := chunker.NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	c.Address = cfg.Options.GetString("address", c.Address)
	c.Framing = Framing(cfg.Options.GetString("framing", string(c.Framing)))
	c.ChunkSize = cfg.Options.GetInt("chunk_size", c.ChunkSize)
	c.MaxFrame = cfg.Options.GetInt("max_frame", c.MaxFrame)
	c.DialTimeout = cfg.Options.GetDuration("dial_timeout", c.DialTimeout)
	c.ReadTimeout = cfg.Options.GetDuration("read_timeout", c.ReadTimeout)
	c.StallTimeout = cfg.Options.GetDuration("stall_timeout", c.StallTimeout)
	if err := c.Validate(cfg.Name); err != nil {
		return nil, err
	}
	if c.Framing == FramingFixed {
		if err := base.CheckChunkSize("chunk_size", c.ChunkSize); err != nil {
			return nil, err
		}
	}

	scratch := c.ChunkSize
	if c.Framing == FramingLength {
		scratch = 64 * 1024
	}
	return &Chunker{
		Base:    base,
		cfg:     c,
		metrics: newMetrics(deps.MetricsRegistry, cfg.Name),
		scratch: make([]byte, scratch),
	}, nil
}

// NewDevice dials the emitter. Dial failures are transient.
func (c *Chunker) NewDevice(ctx context.Context) (chunker.Device, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"tcp-chunker", "NewDevice", "dial "+c.cfg.Address)
	}
	c.metrics.connected()
	c.Logger().Info("TCP chunker connected", "address", c.cfg.Address, "framing", c.cfg.Framing)
	return conn, nil
}

// Next reads one chunk. It returns 0 when no byte arrives within the read
// timeout, and ErrConnectionLost when the emitter closes the stream.
func (c *Chunker) Next(ctx context.Context, dev chunker.Device) (int, error) {
	conn, ok := dev.(net.Conn)
	if !ok {
		return 0, errors.WrapFatal(fmt.Errorf("unexpected device %T", dev), "tcp-chunker", "Next", "check device")
	}
	if c.cfg.Framing == FramingLength {
		return c.nextFrame(ctx, conn)
	}
	return c.nextFixed(ctx, conn)
}

// nextFixed waits for the first byte before taking storage, so an idle
// stream neither holds a cell nor counts a drop.
func (c *Chunker) nextFixed(ctx context.Context, conn net.Conn) (int, error) {
	n, err := c.readFull(ctx, conn, c.scratch[:1], true)
	if err != nil || n == 0 {
		return n, err
	}

	w := c.Acquire(c.cfg.ChunkSize)
	buf := c.scratch
	if w != nil {
		buf = w.Data()
		buf[0] = c.scratch[0]
	}

	got, err := c.readFull(ctx, conn, buf[1:], false)
	n += got
	c.metrics.received(n)
	if err != nil || n < len(buf) {
		w.Discard()
		return n, err
	}
	if w == nil {
		c.metrics.dropped()
		c.Dropped(n)
		return n, nil
	}
	c.Commit(w, n)
	return n, nil
}

func (c *Chunker) nextFrame(ctx context.Context, conn net.Conn) (int, error) {
	var header [lengthHeaderSize]byte
	n, err := c.readFull(ctx, conn, header[:], true)
	if err != nil || n < lengthHeaderSize {
		return n, err
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size > c.cfg.MaxFrame {
		return n, errors.WrapTransient(fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrProtocol, size, c.cfg.MaxFrame),
			"tcp-chunker", "Next", "read frame header")
	}
	if size == 0 {
		return n, nil
	}

	w := c.Acquire(size)
	if w == nil {
		got, err := c.drain(ctx, conn, size)
		c.metrics.received(got)
		c.metrics.dropped()
		c.Dropped(got)
		return n + got, err
	}

	got, err := c.readFull(ctx, conn, w.Data(), false)
	c.metrics.received(got)
	if err != nil || got < size {
		w.Discard()
		return n + got, err
	}
	c.Commit(w, got)
	return n + got, nil
}

// drain reads and discards size bytes.
func (c *Chunker) drain(ctx context.Context, conn net.Conn, size int) (int, error) {
	total := 0
	for total < size {
		buf := c.scratch
		if rest := size - total; rest < len(buf) {
			buf = buf[:rest]
		}
		n, err := c.readFull(ctx, conn, buf, false)
		total += n
		if err != nil || n < len(buf) {
			return total, err
		}
	}
	return total, nil
}

// readFull fills buf under a rolling read deadline. With idle set, a
// deadline before the first byte returns 0 and no error. Otherwise no
// progress for StallTimeout is a transient ErrTimeout. A short count with
// no error means ctx ended.
func (c *Chunker) readFull(ctx context.Context, conn net.Conn, buf []byte, idle bool) (int, error) {
	got := 0
	progress := time.Now()
	for got < len(buf) {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		n, err := conn.Read(buf[got:])
		got += n
		if n > 0 {
			progress = time.Now()
		}
		if err == nil {
			continue
		}

		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			if (idle && got == 0) || ctx.Err() != nil {
				return got, nil
			}
			if time.Since(progress) >= c.cfg.StallTimeout {
				return got, errors.WrapTransient(
					fmt.Errorf("%w: emitter stalled mid-chunk for %v", errors.ErrTimeout, c.cfg.StallTimeout),
					"tcp-chunker", "Next", "read stream")
			}
			continue
		}
		if ctx.Err() != nil {
			return got, nil
		}
		if stderrors.Is(err, io.EOF) {
			err = fmt.Errorf("emitter closed the stream")
		}
		return got, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"tcp-chunker", "Next", "read stream")
	}
	return got, nil
}
