package chunker

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/storage"
)

// dropLogInterval rate-limits the storage-full warning per chunker.
const dropLogInterval = 5 * time.Second

// Stats counts what a chunker has moved into storage.
type Stats struct {
	Chunks       int64     `json:"chunks"`
	Bytes        int64     `json:"bytes"`
	Dropped      int64     `json:"dropped"`
	DroppedBytes int64     `json:"dropped_bytes"`
	LastActivity time.Time `json:"last_activity"`
}

// Base carries the storage plumbing shared by the concrete chunkers.
type Base struct {
	name     string
	dataType string
	writer   Writer
	logger   *slog.Logger
	metrics  *metric.Metrics

	chunks       atomic.Int64
	bytes        atomic.Int64
	dropped      atomic.Int64
	droppedBytes atomic.Int64
	lastActivity atomic.Int64 // unix nanos
	lastDropLog  atomic.Int64 // unix nanos
}

// NewBase validates the parts of cfg every chunker needs.
func NewBase(cfg Config, deps Deps) (*Base, error) {
	component := "chunker:" + cfg.Name
	if cfg.Name == "" {
		return nil, errors.ConfigError("chunker", "name", "must not be empty")
	}
	if cfg.DataType == "" {
		return nil, errors.ConfigError(component, "data_type", "must not be empty")
	}
	if deps.Writer == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: no data writer", errors.ErrInvalidConfig),
			component, "New", "check dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Base{
		name:     cfg.Name,
		dataType: cfg.DataType,
		writer:   deps.Writer,
		logger:   logger.With("component", "chunker", "chunker", cfg.Name, "data_type", cfg.DataType),
		metrics:  deps.MetricsRegistry.CoreMetrics(),
	}, nil
}

func (b *Base) Name() string         { return b.name }
func (b *Base) DataType() string     { return b.dataType }
func (b *Base) Logger() *slog.Logger { return b.logger }

// CheckChunkSize fails with a config error naming field when the writer
// reports a chunk limit for the data type below size. Chunkers that always
// write chunks of a configured size call it at construction, since every
// such write would otherwise be refused.
func (b *Base) CheckChunkSize(field string, size int) error {
	limiter, ok := b.writer.(ChunkLimiter)
	if !ok {
		return nil
	}
	limit, known := limiter.MaxChunkSize(b.dataType)
	if !known {
		return errors.ConfigError("chunker:"+b.name, "data_type", "unknown data type %q", b.dataType)
	}
	if size > limit {
		return errors.ConfigError("chunker:"+b.name, field,
			"chunk of %d bytes exceeds max_chunk_size %d of %s", size, limit, b.dataType)
	}
	return nil
}

// Acquire returns storage for one chunk of size bytes, or nil when the
// buffer has nothing free. A nil result is counted as a drop; the caller
// must still consume the data from its device.
func (b *Base) Acquire(size int) *storage.WritableData {
	w := b.writer.GetWritableData(b.dataType, size)
	if w.IsValid() {
		return w
	}
	b.drop(size)
	return nil
}

// Commit publishes the first n bytes of w.
func (b *Base) Commit(w *storage.WritableData, n int) {
	if !w.IsValid() {
		return
	}
	if n <= 0 {
		w.Discard()
		return
	}
	w.Commit(n)
	b.chunks.Add(1)
	b.bytes.Add(int64(n))
	b.lastActivity.Store(time.Now().UnixNano())
}

// Write copies p into a new chunk. It reports false when p was dropped.
func (b *Base) Write(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	w := b.Acquire(len(p))
	if w == nil {
		return false
	}
	b.Commit(w, copy(w.Data(), p))
	return true
}

// Dropped records n bytes read off the device with nowhere to go.
func (b *Base) Dropped(n int) {
	b.droppedBytes.Add(int64(n))
}

func (b *Base) drop(size int) {
	b.dropped.Add(1)
	b.metrics.RecordDrop(b.dataType)

	now := time.Now().UnixNano()
	last := b.lastDropLog.Load()
	if now-last >= int64(dropLogInterval) && b.lastDropLog.CompareAndSwap(last, now) {
		b.logger.Warn("No storage available, dropping data",
			"size", size, "dropped_total", b.dropped.Load())
		return
	}
	b.logger.Debug("Dropping chunk", "size", size)
}

func (b *Base) Stats() Stats {
	var last time.Time
	if ns := b.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Chunks:       b.chunks.Load(),
		Bytes:        b.bytes.Load(),
		Dropped:      b.dropped.Load(),
		DroppedBytes: b.droppedBytes.Load(),
		LastActivity: last,
	}
}
