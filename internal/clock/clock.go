// Package clock lets services read the current time through an interface so
// tests can pin or advance it.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now in UTC.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Mock is a settable clock for tests. It is safe for concurrent use because
// background workers read it while tests advance it.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock returns a Mock pinned at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t.UTC()}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Add advances the clock by d.
func (m *Mock) Add(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
