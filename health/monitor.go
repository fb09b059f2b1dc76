package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/astrobuf/component"
)

// Monitor tracks the health of a set of components. Statuses are either
// pushed with Update or polled from watched components on every read.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	watched  map[string]component.LifecycleComponent
}

func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		watched:  make(map[string]component.LifecycleComponent),
	}
}

// Watch polls c for its health whenever the monitor is read.
func (m *Monitor) Watch(c component.LifecycleComponent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[c.Meta().Name] = c
}

// Update sets the pushed status of a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the status of a named component. Watched components are
// polled.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, watched := m.watched[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if watched {
		return FromComponent(c), true
	}
	return status, exists
}

// GetAll returns the current status of every component.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	result := make(map[string]Status, len(m.statuses)+len(m.watched))
	for name, status := range m.statuses {
		result[name] = status
	}
	watched := make([]component.LifecycleComponent, 0, len(m.watched))
	for _, c := range m.watched {
		watched = append(watched, c)
	}
	m.mu.RUnlock()

	for _, c := range watched {
		result[c.Meta().Name] = FromComponent(c)
	}
	return result
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.watched, name)
}

// AggregateHealth returns the aggregated health of all components.
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.GetAll()
	subStatuses := make([]Status, 0, len(all))
	for _, status := range all {
		subStatuses = append(subStatuses, status)
	}
	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the monitored component names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses)+len(m.watched))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.watched {
		if _, dup := m.statuses[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) Count() int {
	return len(m.ListComponents())
}
