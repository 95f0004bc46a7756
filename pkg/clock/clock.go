// Package clock provides the kernel's injectable time source.
//
// The core never calls time.Now directly; every component that needs time
// takes a Clock so TTL and rate behavior is reproducible under test.
package clock

import (
	"sync"
	"time"
)

// Clock is the kernel time source.
type Clock interface {
	Now() time.Time
}

// Wall is the real wall clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
