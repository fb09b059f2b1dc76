package storage

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
)

// ManagerConfig lists the buffers a Manager starts with.
type ManagerConfig struct {
	Streams  []BufferConfig
	Services []BufferConfig

	// AllowUnknownTypes lets GetWritableData register unknown type names as
	// stream buffers sized by Default. Otherwise they get an invalid handle.
	AllowUnknownTypes bool
	Default           BufferConfig
}

// ManagerDeps holds optional collaborators of a Manager.
type ManagerDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Manager owns one DataBuffer per data type and routes chunker writes and
// session reads to them. Stream and service buffers live in separate maps;
// a name is unique across both.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	deps    ManagerDeps
	metrics *metric.Metrics

	mu       sync.RWMutex
	streams  map[string]*DataBuffer
	services map[string]*DataBuffer
	closed   bool

	changeMu sync.Mutex
	changed  chan struct{}
}

// NewManager creates the configured buffers. Invalid buffer configuration or
// a duplicate name is a fatal config error.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "data-manager"),
		deps:     deps,
		metrics:  deps.MetricsRegistry.CoreMetrics(),
		streams:  make(map[string]*DataBuffer),
		services: make(map[string]*DataBuffer),
		changed:  make(chan struct{}),
	}

	if cfg.AllowUnknownTypes {
		def := cfg.Default
		def.Name = "default"
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}

	for _, bc := range cfg.Streams {
		bc.Kind = Stream
		if err := m.Register(bc); err != nil {
			return nil, err
		}
	}
	for _, bc := range cfg.Services {
		bc.Kind = Service
		if err := m.Register(bc); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Register adds a buffer. The name must not already be registered as either
// kind.
func (m *Manager) Register(cfg BufferConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.registerLocked(cfg)
	return err
}

func (m *Manager) registerLocked(cfg BufferConfig) (*DataBuffer, error) {
	if m.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Manager", "Register", "register "+cfg.Name)
	}
	if _, ok := m.streams[cfg.Name]; ok {
		return nil, errors.ConfigError("data-manager", "data."+cfg.Name, "duplicate data type name")
	}
	if _, ok := m.services[cfg.Name]; ok {
		return nil, errors.ConfigError("data-manager", "data."+cfg.Name, "duplicate data type name")
	}

	b, err := NewDataBuffer(cfg, BufferDeps{Logger: m.deps.Logger, MetricsRegistry: m.deps.MetricsRegistry})
	if err != nil {
		return nil, err
	}
	b.changed = m.notifyChanged

	if cfg.Kind == Service {
		m.services[cfg.Name] = b
	} else {
		b.associates = m.serviceVersions
		m.streams[cfg.Name] = b
	}

	m.logger.Debug("Registered data buffer",
		"data_type", cfg.Name, "kind", cfg.Kind.String(),
		"max_size", b.cfg.MaxSize, "max_chunk_size", b.cfg.MaxChunkSize, "max_chunks", b.cfg.MaxChunks)
	return b, nil
}

// Buffer returns the buffer registered under name, of either kind.
func (m *Manager) Buffer(name string) (*DataBuffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.streams[name]; ok {
		return b, true
	}
	b, ok := m.services[name]
	return b, ok
}

// MaxChunkSize reports the largest chunk the named type accepts. Unknown
// names report the default buffer's limit when AllowUnknownTypes is set.
func (m *Manager) MaxChunkSize(name string) (int, bool) {
	if b, ok := m.Buffer(name); ok {
		return b.cfg.MaxChunkSize, true
	}
	if m.cfg.AllowUnknownTypes {
		return m.cfg.Default.MaxChunkSize, true
	}
	return 0, false
}

// GetWritableData returns write storage for a chunk of the named type, or
// nil. Unknown names are registered on the fly only when AllowUnknownTypes is
// set.
func (m *Manager) GetWritableData(name string, size int) *WritableData {
	b, ok := m.Buffer(name)
	if !ok {
		if !m.cfg.AllowUnknownTypes {
			m.metrics.RecordWriteRejected(name, "unknown_type")
			return nil
		}
		var err error
		b, err = m.autoRegister(name)
		if err != nil {
			m.logger.Warn("Could not register data type", "data_type", name, "error", err)
			return nil
		}
	}
	return b.GetWritable(size)
}

func (m *Manager) autoRegister(name string) (*DataBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.streams[name]; ok {
		return b, nil
	}
	if b, ok := m.services[name]; ok {
		return b, nil
	}

	cfg := m.cfg.Default
	cfg.Name = name
	cfg.Kind = Stream
	b, err := m.registerLocked(cfg)
	if err == nil {
		m.logger.Info("Registered unknown data type as stream", "data_type", name)
	}
	return b, err
}

// serviceVersions reports the current version of every service buffer that
// has one.
func (m *Manager) serviceVersions() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.services) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.services))
	for name, b := range m.services {
		if v := b.CurrentVersion(); v != "" {
			out[name] = v
		}
	}
	return out
}

// GetLockedData locks one chunk of every required type: the current chunk of
// each service and the next queued chunk of each stream. It returns nil,
// holding no locks and having put any dequeued stream chunks back at the
// front of their queues, when any type is unknown or has no data.
func (m *Manager) GetLockedData(req DataRequirements) *Snapshot {
	if req.IsEmpty() {
		return nil
	}

	m.mu.RLock()
	streamBufs := make([]*DataBuffer, 0, len(req.streams))
	serviceBufs := make([]*DataBuffer, 0, len(req.services))
	missing := ""
	for _, name := range req.streams {
		b, ok := m.streams[name]
		if !ok {
			missing = name
			break
		}
		streamBufs = append(streamBufs, b)
	}
	for _, name := range req.services {
		if missing != "" {
			break
		}
		b, ok := m.services[name]
		if !ok {
			missing = name
			break
		}
		serviceBufs = append(serviceBufs, b)
	}
	m.mu.RUnlock()

	if missing != "" {
		m.metrics.RecordUnsatisfied("unknown_type")
		return nil
	}

	snap := &Snapshot{}
	for _, b := range serviceBufs {
		l := b.GetCurrent()
		if l == nil {
			snap.Release()
			m.metrics.RecordUnsatisfied("no_service_data")
			return nil
		}
		snap.Services = append(snap.Services, l)
	}

	for i, b := range streamBufs {
		l := b.GetNext()
		if l == nil {
			for j := i - 1; j >= 0; j-- {
				streamBufs[j].Requeue(snap.Streams[j])
			}
			snap.Streams = nil
			snap.Release()
			m.metrics.RecordUnsatisfied("no_stream_data")
			return nil
		}
		snap.Streams = append(snap.Streams, l)
	}

	return snap
}

// Resolve tries each requirement set in order and returns the first that can
// be satisfied, with its index. A set equal to an earlier one is skipped. It
// returns nil and -1 when none can.
func (m *Manager) Resolve(alternatives []DataRequirements) (*Snapshot, int) {
	tried := make(map[uint64][]DataRequirements, len(alternatives))
	for i, req := range alternatives {
		h := req.Hash()
		if slices.ContainsFunc(tried[h], req.Equal) {
			continue
		}
		tried[h] = append(tried[h], req)

		if snap := m.GetLockedData(req); snap != nil {
			return snap, i
		}
	}
	return nil, -1
}

// Satisfiable reports whether at least one alternative could be served now
// without taking any locks. The answer may be stale by the time it is used.
func (m *Manager) Satisfiable(alternatives []DataRequirements) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, req := range alternatives {
		if req.IsEmpty() {
			continue
		}
		ok := true
		for _, name := range req.streams {
			b, found := m.streams[name]
			if !found || b.Queued() == 0 {
				ok = false
				break
			}
		}
		for _, name := range req.services {
			if !ok {
				break
			}
			b, found := m.services[name]
			if !found || b.CurrentVersion() == "" {
				ok = false
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// GetServiceData locks the current chunk of each named service. A non-empty
// version must match the current one; older versions are not retained.
func (m *Manager) GetServiceData(versions map[string]string) (*Snapshot, error) {
	if len(versions) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "GetServiceData", "no service requested")
	}

	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := &Snapshot{}
	for _, name := range names {
		m.mu.RLock()
		b, ok := m.services[name]
		m.mu.RUnlock()
		if !ok {
			snap.Release()
			return nil, fmt.Errorf("%w: %s", errors.ErrUnknownDataType, name)
		}

		l := b.GetCurrent()
		if l == nil {
			snap.Release()
			return nil, fmt.Errorf("%w: no %s data yet", errors.ErrDataUnavailable, name)
		}
		if want := versions[name]; want != "" && want != l.Version() {
			l.Release()
			snap.Release()
			return nil, fmt.Errorf("%w: %s version %s no longer available (current %s)",
				errors.ErrDataUnavailable, name, want, l.Version())
		}
		snap.Services = append(snap.Services, l)
	}
	return snap, nil
}

// Supported lists registered stream and service type names, sorted.
func (m *Manager) Supported() (streams, services []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name := range m.streams {
		streams = append(streams, name)
	}
	for name := range m.services {
		services = append(services, name)
	}
	sort.Strings(streams)
	sort.Strings(services)
	return streams, services
}

// Changed returns a channel closed at the next commit to any buffer. Fetch a
// fresh channel after each wake-up.
func (m *Manager) Changed() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changed
}

func (m *Manager) notifyChanged() {
	m.changeMu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.changeMu.Unlock()
}

// Stats returns the bookkeeping of every buffer, sorted by name.
func (m *Manager) Stats() []BufferStats {
	m.mu.RLock()
	bufs := make([]*DataBuffer, 0, len(m.streams)+len(m.services))
	for _, b := range m.streams {
		bufs = append(bufs, b)
	}
	for _, b := range m.services {
		bufs = append(bufs, b)
	}
	m.mu.RUnlock()

	out := make([]BufferStats, 0, len(bufs))
	for _, b := range bufs {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops all writes and waits up to timeout for outstanding locks to be
// released. Chunks still locked when the timeout expires are left to the
// garbage collector; Close never blocks past the timeout.
func (m *Manager) Close(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	bufs := make([]*DataBuffer, 0, len(m.streams)+len(m.services))
	for _, b := range m.streams {
		bufs = append(bufs, b)
	}
	for _, b := range m.services {
		bufs = append(bufs, b)
	}
	m.mu.Unlock()

	for _, b := range bufs {
		b.close()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, b := range bufs {
		for b.lockedCells() > 0 {
			select {
			case <-b.unlockedCh:
			case <-timer.C:
				locked := 0
				for _, bb := range bufs {
					locked += bb.lockedCells()
				}
				m.logger.Warn("Closing with cells still locked", "locked_cells", locked)
				return errors.WrapTransient(
					fmt.Errorf("%w: %d cells still locked", errors.ErrTimeout, locked),
					"Manager", "Close", "wait for locks")
			}
		}
	}

	m.logger.Debug("Data manager closed")
	return nil
}
