package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/astrobuf/component"
	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/protocol"
	"github.com/c360/astrobuf/storage"
)

// Deps holds runtime dependencies of the Server.
type Deps struct {
	Codecs          *protocol.Registry      // nil selects a registry with the binary codec
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

type listener struct {
	cfg   ListenerConfig
	codec protocol.Codec
	ln    net.Listener
}

// Server accepts client connections and runs one Session per connection
// against the data manager it owns.
type Server struct {
	cfg     Config
	manager *storage.Manager
	codecs  *protocol.Registry
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.Mutex
	listeners []*listener
	shutdown  chan struct{}
	conns     map[net.Conn]struct{}
	running   atomic.Bool
	accepting atomic.Bool
	stopping  bool
	startTime time.Time

	acceptWG  sync.WaitGroup
	sessionWG sync.WaitGroup
	slots     chan struct{}

	sessionsServed atomic.Int64
	sessionsDenied atomic.Int64
	errorCount     atomic.Int64
	lastError      atomic.Value // string
}

var _ component.LifecycleComponent = (*Server)(nil)

// New validates cfg and builds the data manager. Configuration errors are
// fatal.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codecs := deps.Codecs
	if codecs == nil {
		codecs = protocol.NewRegistry()
	}

	manager, err := storage.NewManager(cfg.Data, storage.ManagerDeps{
		Logger:          logger,
		MetricsRegistry: deps.MetricsRegistry,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		codecs:  codecs,
		logger:  logger.With("component", "data-server"),
		metrics: deps.MetricsRegistry.CoreMetrics(),
		conns:   make(map[net.Conn]struct{}),
	}
	s.lastError.Store("")
	return s, nil
}

// Manager returns the data manager chunkers write into.
func (s *Server) Manager() *storage.Manager { return s.manager }

func (s *Server) Meta() component.Metadata {
	addrs := make([]string, 0, len(s.cfg.Listeners))
	for _, l := range s.cfg.Listeners {
		addrs = append(addrs, l.Address)
	}
	return component.Metadata{
		Name:        "data-server",
		Type:        "server",
		Description: fmt.Sprintf("Data server listening on %v", addrs),
	}
}

// Initialize resolves the listener codecs. It does no I/O.
func (s *Server) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	listeners := make([]*listener, 0, len(s.cfg.Listeners))
	for _, lc := range s.cfg.Listeners {
		codec, err := s.codecs.New(lc.Codec)
		if err != nil {
			return err
		}
		listeners = append(listeners, &listener{cfg: lc, codec: codec})
	}
	s.listeners = listeners
	return nil
}

// Start binds every listener before returning. A port already in use is a
// fatal error and leaves nothing bound. Accept loops run in the background
// until Stop or until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.WrapInvalid(fmt.Errorf("nil context"), "Server", "Start", "validate context")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Server", "Start", "check context")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start listeners")
	}
	if s.stopping {
		return errors.WrapTransient(errors.ErrShuttingDown, "Server", "Start", "start listeners")
	}
	if len(s.listeners) != len(s.cfg.Listeners) {
		return errors.WrapInvalid(fmt.Errorf("server not initialized"), "Server", "Start", "check state")
	}

	var lc net.ListenConfig
	for i, l := range s.listeners {
		ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
		if err != nil {
			for _, bound := range s.listeners[:i] {
				_ = bound.ln.Close()
				bound.ln = nil
			}
			s.recordError(err)
			if stderrors.Is(err, syscall.EADDRINUSE) {
				return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrAddressInUse, l.cfg.Address),
					"Server", "Start", "bind listener")
			}
			return errors.WrapFatal(err, "Server", "Start", "bind "+l.cfg.Address)
		}
		l.ln = ln
	}

	if s.cfg.MaxSessions > 0 {
		s.slots = make(chan struct{}, s.cfg.MaxSessions)
	} else {
		s.slots = nil
	}
	s.shutdown = make(chan struct{})
	s.startTime = time.Now()
	s.running.Store(true)
	s.accepting.Store(true)

	for _, l := range s.listeners {
		s.acceptWG.Add(1)
		go s.acceptLoop(ctx, l, s.shutdown)
		s.logger.Info("Listening", "address", l.ln.Addr().String(), "codec", l.codec.Name())
	}

	// Cancelling ctx closes the listeners; Stop still has to be called to
	// wait for sessions.
	shutdown := s.shutdown
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		select {
		case <-ctx.Done():
			s.closeListeners()
		case <-shutdown:
		}
	}()

	s.metrics.RecordComponentStatus("data-server", 2)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l *listener, shutdown <-chan struct{}) {
	defer s.acceptWG.Done()

	ln := l.ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.recordError(err)
			s.logger.Warn("Accept failed", "address", ln.Addr().String(), "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.acquireSlot() {
			s.sessionsDenied.Add(1)
			s.sessionWG.Add(1)
			go s.deny(conn, l.codec)
			continue
		}

		s.trackConn(conn, true)
		s.sessionWG.Add(1)
		go func() {
			defer s.sessionWG.Done()
			defer s.releaseSlot()
			defer s.trackConn(conn, false)

			session := newSession(conn, l.codec, s.manager, s.cfg, s.logger, s.metrics, shutdown)
			session.Run(ctx)
			s.sessionsServed.Add(1)
		}()
	}
}

func (s *Server) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// deny answers a connection over the session cap without reading from it.
func (s *Server) deny(conn net.Conn, codec protocol.Codec) {
	defer s.sessionWG.Done()
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = codec.WriteResponse(conn, protocol.ErrorResponse{Message: "server busy: too many sessions"})
	s.metrics.RecordRequest("denied", protocol.ResponseError.String(), 0)
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.ln != nil {
			_ = l.ln.Close()
		}
	}
	s.accepting.Store(false)
	s.metrics.RecordComponentStatus("data-server", 3)
	s.logger.Info("Context cancelled, listeners closed")
}

// IsReady reports whether every listener is bound and accepting.
func (s *Server) IsReady() bool {
	if !s.running.Load() || !s.accepting.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.ln == nil {
			return false
		}
	}
	return len(s.listeners) > 0
}

// Addrs returns the bound listener addresses, in configuration order.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []net.Addr
	for _, l := range s.listeners {
		if l.ln != nil {
			out = append(out, l.ln.Addr())
		}
	}
	return out
}

// Stop closes the listeners and waits for running sessions. Sessions still
// running when the timeout expires have their connections closed.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.running.Store(false)
	s.accepting.Store(false)
	s.stopping = true
	close(s.shutdown)
	for _, l := range s.listeners {
		if l.ln != nil {
			_ = l.ln.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.acceptWG.Wait()
		s.sessionWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		err = errors.WrapTransient(fmt.Errorf("%w: sessions still running after %v", errors.ErrTimeout, timeout),
			"Server", "Stop", "graceful shutdown")
	}

	s.mu.Lock()
	for _, l := range s.listeners {
		l.ln = nil
	}
	s.stopping = false
	s.mu.Unlock()

	s.metrics.RecordComponentStatus("data-server", 0)
	s.logger.Info("Server stopped", "sessions_served", s.sessionsServed.Load())
	return err
}

// Close stops the server and then the data manager, each bounded by
// timeout. The server cannot be restarted afterwards.
func (s *Server) Close(timeout time.Duration) error {
	stopErr := s.Stop(timeout)
	closeErr := s.manager.Close(timeout)
	return stderrors.Join(stopErr, closeErr)
}

func (s *Server) recordError(err error) {
	s.errorCount.Add(1)
	s.lastError.Store(err.Error())
	s.metrics.RecordError("data-server", errors.Classify(err).String())
}

func (s *Server) Health() component.HealthStatus {
	var uptime time.Duration
	s.mu.Lock()
	if s.running.Load() {
		uptime = time.Since(s.startTime)
	}
	s.mu.Unlock()

	lastErr, _ := s.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    s.IsReady(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	SessionsServed int64 `json:"sessions_served"`
	SessionsDenied int64 `json:"sessions_denied"`
	Errors         int64 `json:"errors"`
}

func (s *Server) Stats() Stats {
	return Stats{
		SessionsServed: s.sessionsServed.Load(),
		SessionsDenied: s.sessionsDenied.Load(),
		Errors:         s.errorCount.Load(),
	}
}
