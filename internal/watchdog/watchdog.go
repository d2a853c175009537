package watchdog

import (
	"sync"
)

// Result is the outcome of a watchdog check.
type Result int

const (
	Ok Result = iota
	Timeout
	Fatal
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Timeout:
		return "timeout"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Watchdog tracks how long a session has waited for the next expected
// request and how many times that wait has expired.
type Watchdog struct {
	timeoutMs  uint32
	maxRetries int

	tag     int
	startMs uint32
	retries int
	active  bool

	mu sync.Mutex
}

// New creates a watchdog with the given policy.
func New(timeoutMs uint32, maxRetries int) *Watchdog {
	w := &Watchdog{}
	w.Configure(timeoutMs, maxRetries)
	return w
}

// Configure sets the policy and clears any armed state.
func (w *Watchdog) Configure(timeoutMs uint32, maxRetries int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeoutMs = timeoutMs
	w.maxRetries = maxRetries
	w.clearLocked()
}

// Start arms the watchdog for the awaited state tag. The retry count is kept
// so that repeated expiries escalate.
func (w *Watchdog) Start(tag int, nowMs uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tag = tag
	w.startMs = nowMs
	w.active = true
}

// Clear disarms the watchdog and forgets previous expiries.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked()
}

func (w *Watchdog) clearLocked() {
	w.active = false
	w.retries = 0
	w.startMs = 0
	w.tag = 0
}

// Check evaluates the watchdog at nowMs. An expiry disarms it until the next Start.
func (w *Watchdog) Check(nowMs uint32) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active || w.timeoutMs == 0 {
		return Ok
	}
	if int32(nowMs-(w.startMs+w.timeoutMs)) <= 0 {
		return Ok
	}

	w.retries++
	w.active = false
	if w.maxRetries > 0 && w.retries >= w.maxRetries {
		return Fatal
	}
	return Timeout
}

// Tag returns the state tag the watchdog was last armed for.
func (w *Watchdog) Tag() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tag
}

// Retries returns the number of expiries since the last Clear.
func (w *Watchdog) Retries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retries
}

// Active reports whether the watchdog is armed.
func (w *Watchdog) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
