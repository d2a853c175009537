package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond counter that wraps at 2^32.
type Clock interface {
	NowMillis() uint32
}

// Reached reports whether now is at or past deadline, tolerating wraparound.
func Reached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}

// Elapsed returns the milliseconds between since and now, tolerating wraparound.
func Elapsed(now, since uint32) uint32 {
	return now - since
}

// System is a Clock backed by the runtime monotonic clock.
type System struct {
	start time.Time
}

// NewSystem creates a clock whose zero is the moment of creation.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// NowMillis returns the milliseconds since creation, truncated to 32 bits.
func (s *System) NowMillis() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// Manual is a Clock advanced explicitly, for tests and capture replay.
type Manual struct {
	mu  sync.Mutex
	now uint32
}

// NewManual creates a manual clock starting at start.
func NewManual(start uint32) *Manual {
	return &Manual{now: start}
}

// NowMillis returns the current manual time.
func (m *Manual) NowMillis() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by ms and returns the new time.
func (m *Manual) Advance(ms uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += ms
	return m.now
}

// Set jumps the clock to an absolute value.
func (m *Manual) Set(now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
