package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
)

// managed tracks a component and its lifecycle state inside a Group.
type managed struct {
	comp      LifecycleComponent
	state     State
	lastError error
	cancel    context.CancelFunc
}

// Group starts components in the order they were added and stops them in
// reverse. Each component gets its own child context so it can be cancelled
// individually during shutdown.
type Group struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu         sync.Mutex
	components []*managed
	started    bool
}

// NewGroup creates an empty group. registry may be nil.
func NewGroup(logger *slog.Logger, registry *metric.MetricsRegistry) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		logger:  logger.With("component", "lifecycle"),
		metrics: registry.CoreMetrics(),
	}
}

// Add appends a component. Components cannot be added once the group runs.
func (g *Group) Add(c LifecycleComponent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Group", "Add", "add "+c.Meta().Name)
	}
	for _, m := range g.components {
		if m.comp.Meta().Name == c.Meta().Name {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate component name %q", c.Meta().Name), "Group", "Add", "add component")
		}
	}
	g.components = append(g.components, &managed{comp: c, state: StateCreated})
	return nil
}

// Start initializes and starts every component in order. If one fails, the
// ones already started are stopped in reverse and the error is returned.
func (g *Group) Start(ctx context.Context, stopTimeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Group", "Start", "start components")
	}

	for i, m := range g.components {
		name := m.comp.Meta().Name

		if err := m.comp.Initialize(); err != nil {
			g.fail(m, err)
			g.stopLocked(i-1, stopTimeout)
			return errors.Wrap(err, "Group", "Start", "initialize "+name)
		}
		m.state = StateInitialized

		cctx, cancel := context.WithCancel(ctx)
		if err := m.comp.Start(cctx); err != nil {
			cancel()
			g.fail(m, err)
			g.stopLocked(i-1, stopTimeout)
			return errors.Wrap(err, "Group", "Start", "start "+name)
		}
		m.cancel = cancel
		m.state = StateStarted
		g.metrics.RecordComponentStatus(name, 2)
		g.logger.Info("Component started", "name", name, "type", m.comp.Meta().Type)
	}

	g.started = true
	return nil
}

func (g *Group) fail(m *managed, err error) {
	m.state = StateFailed
	m.lastError = err
	g.metrics.RecordComponentStatus(m.comp.Meta().Name, 4)
	g.metrics.RecordError(m.comp.Meta().Name, errors.Classify(err).String())
}

// Stop stops every started component in reverse order, giving each the full
// timeout. All stop errors are joined.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}
	g.started = false
	return g.stopLocked(len(g.components)-1, timeout)
}

func (g *Group) stopLocked(last int, timeout time.Duration) error {
	var errs []error
	for i := last; i >= 0; i-- {
		m := g.components[i]
		if m.state != StateStarted {
			continue
		}
		name := m.comp.Meta().Name
		if err := m.comp.Stop(timeout); err != nil {
			g.logger.Warn("Component did not stop cleanly", "name", name, "error", err)
			m.lastError = err
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.state = StateStopped
		g.metrics.RecordComponentStatus(name, 0)
	}
	return stderrors.Join(errs...)
}

// States returns the lifecycle state of every component by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.components))
	for _, m := range g.components {
		out[m.comp.Meta().Name] = m.state
	}
	return out
}

// Components returns the managed components in start order.
func (g *Group) Components() []LifecycleComponent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LifecycleComponent, 0, len(g.components))
	for _, m := range g.components {
		out = append(out, m.comp)
	}
	return out
}
