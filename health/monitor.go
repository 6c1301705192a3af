package health

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Monitor keeps the last reported status of each named member
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records status for name, filling in the name and a missing timestamp
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Get returns the last status of name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove forgets name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Count returns the number of members
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// Snapshot returns every status sorted by member name
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		out = append(out, status)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return out
}

// AggregateHealth combines every member under name
func (m *Monitor) AggregateHealth(name string) Status {
	return Aggregate(name, m.Snapshot())
}
