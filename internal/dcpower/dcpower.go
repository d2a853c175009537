// Package dcpower models a DC power module that ramps towards its targets.
package dcpower

import (
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
)

const (
	DefaultVoltageRamp = 50.0 // V/s
	DefaultCurrentRamp = 20.0 // A/s
	DefaultTickMs      = 100
)

// Simulated implements types.DCPower. Set-points move towards the targets by
// a fixed step every tick while the output is enabled and drop to zero when
// it is disabled.
type Simulated struct {
	voltageRamp float64
	currentRamp float64
	tickMs      uint32

	enabled  bool
	targetV  float64
	targetA  float64
	setV     float64
	setA     float64
	measV    float64
	measA    float64
	lastTick uint32
	started  bool

	mu sync.Mutex
}

// NewSimulated creates a supply with the given ramp rates in V/s and A/s.
func NewSimulated(voltageRamp, currentRamp float64, tickMs uint32) *Simulated {
	if tickMs == 0 {
		tickMs = DefaultTickMs
	}
	return &Simulated{voltageRamp: voltageRamp, currentRamp: currentRamp, tickMs: tickMs}
}

// EnableOutput switches the output. Disabling clears targets and set-points.
func (s *Simulated) EnableOutput(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.enabled {
		return
	}
	s.enabled = on
	if !on {
		s.targetV, s.targetA = 0, 0
		s.setV, s.setA = 0, 0
	}
	log.WithField("enabled", on).Info("DC output switched")
}

// Enabled reports whether the output is on.
func (s *Simulated) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetTargets sets the voltage and current the ramp approaches. Negative
// values are treated as zero.
func (s *Simulated) SetTargets(voltage, current float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetV = math.Max(voltage, 0)
	s.targetA = math.Max(current, 0)
}

// SetMeasured injects bus measurements. Zero falls back to the set-point.
func (s *Simulated) SetMeasured(voltage, current float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measV, s.measA = voltage, current
}

// SetPoint returns the current ramp position.
func (s *Simulated) SetPoint() (voltage, current float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setV, s.setA
}

// BusVoltage returns the measured voltage, or the set-point without one.
func (s *Simulated) BusVoltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measV == 0 {
		return s.setV
	}
	return s.measV
}

// BusCurrent returns the measured current, or the set-point without one.
func (s *Simulated) BusCurrent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measA == 0 {
		return s.setA
	}
	return s.measA
}

// EmergencyStop turns the output off immediately.
func (s *Simulated) EmergencyStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.targetV, s.targetA = 0, 0
	s.setV, s.setA = 0, 0
	log.Warn("DC emergency stop")
}

// Tick advances the ramp once per tick period.
func (s *Simulated) Tick(nowMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !clock.Reached(nowMs, s.lastTick+s.tickMs) {
		return
	}
	s.started = true
	s.lastTick = nowMs

	stepV := s.voltageRamp * float64(s.tickMs) / 1000
	stepA := s.currentRamp * float64(s.tickMs) / 1000
	tgtV, tgtA := 0.0, 0.0
	if s.enabled {
		tgtV, tgtA = s.targetV, s.targetA
	}
	s.setV = approach(s.setV, tgtV, stepV)
	s.setA = approach(s.setA, tgtA, stepA)
}

func approach(current, target, step float64) float64 {
	if current < target {
		return math.Min(target, current+step)
	}
	if current > target {
		return math.Max(target, current-step)
	}
	return current
}
