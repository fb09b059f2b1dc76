package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/astrobuf/component"
	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/pkg/retry"
)

// State is the position of a Runner in its receive state machine.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReceiving
	StateReconnecting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runner drives one Chunker on its own goroutine: it opens the device, calls
// Next until stopped, and reopens the device with backoff when it fails.
type Runner struct {
	cfg     Config
	chunker Chunker
	logger  *slog.Logger
	metrics *metric.Metrics

	// Reconnect is the backoff policy used to reopen a failed device.
	Reconnect retry.Config

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time

	devMu  sync.Mutex
	device Device

	state      atomic.Int32
	reconnects atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // string
}

var _ component.LifecycleComponent = (*Runner)(nil)

// NewRunner wraps c. deps.Writer is not used by the runner itself.
func NewRunner(cfg Config, c Chunker, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:       cfg,
		chunker:   c,
		logger:    logger.With("component", "chunker-runner", "chunker", cfg.Name, "type", cfg.Type),
		metrics:   deps.MetricsRegistry.CoreMetrics(),
		Reconnect: retry.Reconnect(),
	}
	r.lastError.Store("")
	r.setState(StateIdle)
	return r
}

func (r *Runner) Meta() component.Metadata {
	return component.Metadata{
		Name:        r.cfg.Name,
		Type:        "chunker",
		Description: fmt.Sprintf("%s chunker feeding %s", r.cfg.Type, r.cfg.DataType),
	}
}

// Chunker returns the wrapped chunker.
func (r *Runner) Chunker() Chunker { return r.chunker }

func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.metrics.RecordChunkerState(r.cfg.Name, int(s))
	}
}

// Initialize checks the runner is startable. It does no I/O.
func (r *Runner) Initialize() error {
	if r.chunker == nil {
		return errors.WrapInvalid(fmt.Errorf("no chunker"), "Runner", "Initialize", "check chunker")
	}
	if r.running.Load() {
		return nil
	}
	r.setState(StateIdle)
	return nil
}

// Start opens the device once before returning so that fatal setup errors,
// such as a UDP port already in use, fail startup. Other open failures are
// retried in the background.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.WrapInvalid(fmt.Errorf("nil context"), "Runner", "Start", "validate context")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Runner", "Start", "check context")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runner", "Start", "start chunker")
	}
	if r.chunker == nil {
		return errors.WrapInvalid(fmt.Errorf("no chunker"), "Runner", "Start", "check chunker")
	}

	dev, err := r.chunker.NewDevice(ctx)
	if err != nil {
		r.recordError(err)
		if errors.IsFatal(err) {
			r.setState(StateFailed)
			return errors.Wrap(err, "Runner", "Start", "open device "+r.cfg.Name)
		}
		r.logger.Warn("Device not available yet, will retry", "error", err)
		dev = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.startTime = time.Now()
	r.running.Store(true)
	r.setDevice(dev)
	if dev != nil {
		r.setState(StateConnected)
	}

	go r.run(runCtx, r.done)

	r.logger.Info("Chunker started", "data_type", r.cfg.DataType)
	return nil
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		r.closeDevice()
		if r.State() != StateFailed {
			r.setState(StateStopped)
		}
	}()

	for {
		dev := r.currentDevice()
		if dev == nil {
			var err error
			dev, err = r.reopen(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.recordError(err)
					r.logger.Error("Giving up on device", "error", err)
					r.setState(StateFailed)
				}
				return
			}
			r.setDevice(dev)
			r.setState(StateConnected)
			r.logger.Info("Device reconnected")
		}

		n, err := r.chunker.Next(ctx, dev)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.recordError(err)
			r.logger.Warn("Device read failed, reconnecting", "error", err)
			r.closeDevice()
			continue
		}
		if n > 0 {
			r.setState(StateReceiving)
		} else {
			r.setState(StateIdle)
		}
	}
}

func (r *Runner) reopen(ctx context.Context) (Device, error) {
	r.setState(StateReconnecting)

	cfg := r.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Debug("Reconnect attempt failed", "attempt", attempt, "error", err, "retry_in", delay)
	}
	return retry.DoWithResult(ctx, cfg, func() (Device, error) {
		r.reconnects.Add(1)
		r.metrics.RecordReconnect(r.cfg.Name)
		dev, err := r.chunker.NewDevice(ctx)
		if err != nil && errors.IsFatal(err) {
			return nil, retry.NonRetryable(err)
		}
		return dev, err
	})
}

func (r *Runner) currentDevice() Device {
	r.devMu.Lock()
	defer r.devMu.Unlock()
	return r.device
}

func (r *Runner) setDevice(dev Device) {
	r.devMu.Lock()
	r.device = dev
	r.devMu.Unlock()
}

func (r *Runner) closeDevice() {
	r.devMu.Lock()
	dev := r.device
	r.device = nil
	r.devMu.Unlock()
	if dev != nil {
		_ = dev.Close()
	}
}

// Stop cancels the receive loop and closes the device to unblock a pending
// read. It waits up to timeout for the loop to exit.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)
	r.cancel()
	r.closeDevice()

	select {
	case <-r.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("%w: chunker still reading after %v", errors.ErrTimeout, timeout),
			"Runner", "Stop", "graceful shutdown")
	}

	r.logger.Info("Chunker stopped", "reconnects", r.reconnects.Load())
	return nil
}

func (r *Runner) recordError(err error) {
	r.errorCount.Add(1)
	r.lastError.Store(err.Error())
	r.metrics.RecordError("chunker:"+r.cfg.Name, errors.Classify(err).String())
}

// Degraded reports a running chunker that has lost its device and is
// trying to reopen it.
func (r *Runner) Degraded() (bool, string) {
	if r.running.Load() && r.State() == StateReconnecting {
		return true, "reconnecting to device"
	}
	return false, ""
}

// Reconnects returns how many times the device was reopened.
func (r *Runner) Reconnects() int64 { return r.reconnects.Load() }

func (r *Runner) Health() component.HealthStatus {
	r.mu.Lock()
	var uptime time.Duration
	if r.running.Load() {
		uptime = time.Since(r.startTime)
	}
	r.mu.Unlock()

	state := r.State()
	healthy := r.running.Load() &&
		(state == StateIdle || state == StateConnected || state == StateReceiving)

	lastErr, _ := r.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow reports throughput since start for chunkers that keep Stats.
func (r *Runner) DataFlow() component.FlowMetrics {
	sp, ok := r.chunker.(StatsProvider)
	if !ok {
		return component.FlowMetrics{}
	}
	s := sp.Stats()

	var fm component.FlowMetrics
	r.mu.Lock()
	start := r.startTime
	r.mu.Unlock()
	if uptime := time.Since(start).Seconds(); !start.IsZero() && uptime > 0 {
		fm.ChunksPerSecond = float64(s.Chunks) / uptime
		fm.BytesPerSecond = float64(s.Bytes) / uptime
	}
	if total := s.Chunks + s.Dropped; total > 0 {
		fm.DropRate = float64(s.Dropped) / float64(total)
	}
	fm.LastActivity = s.LastActivity
	return fm
}
