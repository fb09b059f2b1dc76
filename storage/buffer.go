package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/pkg/buffer"
)

// Kind selects the retention policy of a DataBuffer.
type Kind int

const (
	// Stream buffers queue every completed chunk for consume-once delivery.
	Stream Kind = iota
	// Service buffers expose only the latest completed chunk.
	Service
)

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Service:
		return "service"
	default:
		return "unknown"
	}
}

// BufferConfig sizes one DataBuffer.
type BufferConfig struct {
	Name string
	Kind Kind

	// MaxSize is the byte budget across all cells.
	MaxSize int64
	// MaxChunkSize bounds a single write.
	MaxChunkSize int
	// MaxChunks bounds the number of cells. Zero derives it from the budget.
	MaxChunks int
	// OverwriteOldest lets a stream writer reclaim the oldest queued chunk
	// when nothing else is free, instead of failing.
	OverwriteOldest bool
}

// Validate reports configuration errors as fatal config errors.
func (c BufferConfig) Validate() error {
	component := "buffer:" + c.Name
	if c.Name == "" {
		return errors.ConfigError(component, "name", "must not be empty")
	}
	if c.MaxChunkSize <= 0 {
		return errors.ConfigError(component, "max_chunk_size", "must be > 0, got %d", c.MaxChunkSize)
	}
	if c.MaxSize < int64(c.MaxChunkSize) {
		return errors.ConfigError(component, "max_size", "must hold at least one chunk (%d < %d)",
			c.MaxSize, c.MaxChunkSize)
	}
	if c.MaxChunks < 0 {
		return errors.ConfigError(component, "max_chunks", "must be >= 0, got %d", c.MaxChunks)
	}
	return nil
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MaxChunks == 0 {
		c.MaxChunks = int(c.MaxSize / int64(c.MaxChunkSize))
		if c.MaxChunks < 1 {
			c.MaxChunks = 1
		}
	}
	return c
}

// BufferStats is a point-in-time view of a DataBuffer.
type BufferStats struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Cells     int    `json:"cells"`
	Allocated int64  `json:"allocated_bytes"`
	Budget    int64  `json:"budget_bytes"`
	Queued    int    `json:"queued"`
	Locked    int    `json:"locked"`
	Version   string `json:"version"`
	Committed uint64 `json:"committed"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
}

// DataBuffer is a pool of cells for one data type. Its bookkeeping (the cell
// list, the current pointer and the stream queue) is guarded by one mutex;
// each cell guards its own lock counts. Lock order is buffer then cell.
type DataBuffer struct {
	cfg    BufferConfig
	logger *slog.Logger

	mu        sync.Mutex
	cells     []*Cell
	allocated int64
	tick      uint64
	version   uint64
	current   *Cell
	queue     buffer.Buffer[*Cell]
	closed    bool
	committed uint64
	dropped   uint64
	rejected  uint64

	unlockedCh chan struct{}

	metrics *metric.Metrics

	// associates returns the service versions to record on a stream commit.
	associates func() map[string]string
	// changed is called after every commit, without locks held.
	changed func()
}

// BufferDeps holds optional collaborators of a DataBuffer.
type BufferDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// NewDataBuffer creates an empty buffer. No cell is allocated until the
// first write.
func NewDataBuffer(cfg BufferConfig, deps BufferDeps) (*DataBuffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &DataBuffer{
		cfg:        cfg,
		logger:     logger.With("data_type", cfg.Name, "kind", cfg.Kind.String()),
		unlockedCh: make(chan struct{}, 1),
		metrics:    deps.MetricsRegistry.CoreMetrics(),
	}

	if cfg.Kind == Stream {
		opts := []buffer.Option[*Cell]{
			buffer.WithOverflowPolicy[*Cell](buffer.DropOldest),
			buffer.WithDropCallback[*Cell](b.onQueueDrop),
		}
		if deps.MetricsRegistry != nil {
			opts = append(opts, buffer.WithMetrics[*Cell](deps.MetricsRegistry, cfg.Name))
		}
		q, err := buffer.NewCircularBuffer[*Cell](cfg.MaxChunks, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "DataBuffer", "New", "create serve queue for "+cfg.Name)
		}
		b.queue = q
	}

	return b, nil
}

func (b *DataBuffer) Name() string         { return b.cfg.Name }
func (b *DataBuffer) Kind() Kind           { return b.cfg.Kind }
func (b *DataBuffer) Config() BufferConfig { return b.cfg }

// onQueueDrop runs with b.mu held, from inside queue operations.
func (b *DataBuffer) onQueueDrop(c *Cell) {
	c.queued = false
	b.dropped++
	b.metrics.RecordDrop(b.cfg.Name)
}

// eligible reports whether c may be handed to a writer: no locks, and not
// the current chunk of a service or a queued chunk of a stream. Requires b.mu.
func (b *DataBuffer) eligible(c *Cell) bool {
	if b.cfg.Kind == Service && c == b.current {
		return false
	}
	return !c.queued && c.free()
}

// GetWritable returns a write handle of exactly size bytes, or nil when the
// request cannot be met. It never waits for a cell to be released.
//
// Allocation order: the least recently used free cell large enough; a new
// cell within budget; free cells evicted least recently used first until the
// new cell fits; finally, with OverwriteOldest, the oldest queued chunk.
func (b *DataBuffer) GetWritable(size int) *WritableData {
	if size <= 0 || size > b.cfg.MaxChunkSize {
		b.reject("size")
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.reject("closed")
		return nil
	}

	c := b.selectCell(size)
	for c == nil && b.cfg.OverwriteOldest && b.queue != nil {
		oldest, ok := b.queue.Read()
		if !ok {
			break
		}
		b.onQueueDrop(oldest)
		if oldest == b.current {
			b.current = nil
		}
		c = b.selectCell(size)
	}

	if c == nil {
		b.mu.Unlock()
		b.reject("exhausted")
		return nil
	}

	before := len(c.buf)
	w, err := c.AcquireWrite(size)
	if err != nil {
		// eligible() checked the lock counts under b.mu, and new locks are
		// only taken under b.mu, so this cannot happen.
		b.mu.Unlock()
		b.logger.Error("Eligible cell refused write lock", "error", err)
		b.reject("busy")
		return nil
	}
	b.allocated += int64(c.Capacity() - before)
	if c == b.current {
		b.current = nil
	}
	b.tick++
	c.lastUsed = b.tick
	cells, allocated := len(b.cells), b.allocated
	b.mu.Unlock()

	b.metrics.RecordAllocation(b.cfg.Name, cells, allocated)
	return w
}

// selectCell picks or creates a cell for size bytes. Requires b.mu.
func (b *DataBuffer) selectCell(size int) *Cell {
	var candidates []*Cell
	for _, c := range b.cells {
		if b.eligible(c) {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed < candidates[j].lastUsed
	})

	for _, c := range candidates {
		if len(c.buf) >= size {
			return c
		}
	}

	if len(b.cells) < b.cfg.MaxChunks && b.allocated+int64(size) <= b.cfg.MaxSize {
		return b.newCell(size)
	}

	// Evict free cells until a new one fits both limits.
	freed := int64(0)
	n := 0
	for n < len(candidates) {
		fitsBudget := b.allocated-freed+int64(size) <= b.cfg.MaxSize
		fitsCount := len(b.cells)-n < b.cfg.MaxChunks
		if fitsBudget && fitsCount {
			break
		}
		freed += int64(len(candidates[n].buf))
		n++
	}
	if b.allocated-freed+int64(size) > b.cfg.MaxSize || len(b.cells)-n >= b.cfg.MaxChunks {
		return nil
	}

	for _, victim := range candidates[:n] {
		b.removeCell(victim)
	}
	return b.newCell(size)
}

// newCell appends a cell sized for size bytes. Requires b.mu.
func (b *DataBuffer) newCell(size int) *Cell {
	c := NewCell(b.cfg.Name, size)
	c.owner = b
	b.cells = append(b.cells, c)
	b.allocated += int64(size)
	return c
}

// removeCell drops an unlocked cell from the pool. Requires b.mu.
func (b *DataBuffer) removeCell(victim *Cell) {
	for i, c := range b.cells {
		if c == victim {
			b.cells = append(b.cells[:i], b.cells[i+1:]...)
			b.allocated -= int64(len(c.buf))
			if c == b.current {
				b.current = nil
			}
			return
		}
	}
}

func (b *DataBuffer) reject(reason string) {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()
	b.metrics.RecordWriteRejected(b.cfg.Name, reason)
}

// commit publishes a completed write. Called by WritableData.Commit.
func (b *DataBuffer) commit(c *Cell, size int) {
	var associates map[string]string
	if b.cfg.Kind == Stream && b.associates != nil {
		associates = b.associates()
	}

	b.mu.Lock()
	b.version++
	c.releaseWrite(size, b.version, associates)
	b.tick++
	c.lastUsed = b.tick
	b.current = c
	b.committed++
	if b.cfg.Kind == Stream {
		c.queued = true
		// Only fails once closed; the cell is then simply not served.
		if err := b.queue.Write(c); err != nil {
			c.queued = false
		}
	}
	b.mu.Unlock()

	b.metrics.RecordCommit(b.cfg.Name)
	b.signalUnlocked()
	if b.changed != nil {
		b.changed()
	}
}

// discard releases an abandoned write. Called by WritableData.
func (b *DataBuffer) discard(c *Cell) {
	b.mu.Lock()
	c.releaseWrite(0, 0, nil)
	b.mu.Unlock()
	b.signalUnlocked()
}

func (b *DataBuffer) unlocked(*Cell) {
	b.signalUnlocked()
}

func (b *DataBuffer) signalUnlocked() {
	select {
	case b.unlockedCh <- struct{}{}:
	default:
	}
}

// GetCurrent read-locks the most recently completed chunk. Returns nil if
// nothing has been completed yet.
func (b *DataBuffer) GetCurrent() *LockedData {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return nil
	}
	l, err := b.current.AcquireRead()
	if err != nil {
		return nil
	}
	b.tick++
	b.current.lastUsed = b.tick
	return l
}

// GetNext dequeues and read-locks the oldest unserved chunk of a stream
// buffer. Each chunk is served once. Returns nil when the queue is empty and
// always for service buffers.
func (b *DataBuffer) GetNext() *LockedData {
	if b.queue == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		c, ok := b.queue.Read()
		if !ok {
			return nil
		}
		c.queued = false
		l, err := c.AcquireRead()
		if err != nil {
			continue
		}
		b.tick++
		c.lastUsed = b.tick
		return l
	}
}

// Requeue puts a chunk obtained from GetNext back at the front of the queue
// and releases the caller's lock on it.
func (b *DataBuffer) Requeue(l *LockedData) {
	if !l.IsValid() {
		return
	}
	if l.cell.owner != cellOwner(b) {
		l.Release()
		return
	}

	b.mu.Lock()
	if b.queue != nil && !b.closed && !l.cell.queued {
		if b.queue.Unread(l.cell) {
			l.cell.queued = true
		}
	}
	b.mu.Unlock()

	l.Release()
}

// Queued returns the number of chunks waiting to be served.
func (b *DataBuffer) Queued() int {
	if b.queue == nil {
		return 0
	}
	return b.queue.Size()
}

// CurrentVersion returns the version of the latest completed chunk, or "".
func (b *DataBuffer) CurrentVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return ""
	}
	return formatVersion(b.current.version)
}

// lockedCells counts cells with any lock outstanding.
func (b *DataBuffer) lockedCells() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.cells {
		if !c.free() {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the buffer's bookkeeping.
func (b *DataBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BufferStats{
		Name:      b.cfg.Name,
		Kind:      b.cfg.Kind.String(),
		Cells:     len(b.cells),
		Allocated: b.allocated,
		Budget:    b.cfg.MaxSize,
		Committed: b.committed,
		Dropped:   b.dropped,
		Rejected:  b.rejected,
	}
	if b.queue != nil {
		s.Queued = b.queue.Size()
	}
	if b.current != nil {
		s.Version = formatVersion(b.current.version)
	}
	for _, c := range b.cells {
		if !c.free() {
			s.Locked++
		}
	}
	return s
}

// close stops further writes. Chunks already queued can still be read.
func (b *DataBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.queue != nil {
		_ = b.queue.Close()
	}
}

func (b *DataBuffer) String() string {
	return fmt.Sprintf("%s buffer %q", b.cfg.Kind, b.cfg.Name)
}
