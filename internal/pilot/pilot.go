// Package pilot classifies Control Pilot voltages and provides a simulated
// pilot with contactor feedback for bench setups.
package pilot

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/pkg/types"
)

const (
	DefaultT12mV  = 2440
	DefaultT9mV   = 2080
	DefaultStepmV = 380

	// DefaultDemoteSamples is the number of consecutive samples below the
	// state B threshold needed before B is left for C..F.
	DefaultDemoteSamples = 18
)

// Thresholds are the ADC levels, in mV at the sense input, separating the
// pilot states. C, D and E sit Step apart below T9.
type Thresholds struct {
	T12  int
	T9   int
	Step int
}

// DefaultThresholds returns the levels of the reference front end.
func DefaultThresholds() Thresholds {
	return Thresholds{T12: DefaultT12mV, T9: DefaultT9mV, Step: DefaultStepmV}
}

// Classify maps a sense voltage to a pilot state.
func (t Thresholds) Classify(mv int) types.CPState {
	t6 := t.T9 - t.Step
	t3 := t6 - t.Step
	t0 := t3 - t.Step
	switch {
	case mv >= t.T12:
		return types.CPStateA
	case mv >= t.T9:
		return types.CPStateB
	case mv >= t6:
		return types.CPStateC
	case mv >= t3:
		return types.CPStateD
	case mv >= t0:
		return types.CPStateE
	default:
		return types.CPStateF
	}
}

// Classify uses the default thresholds.
func Classify(mv int) types.CPState {
	return DefaultThresholds().Classify(mv)
}

// IsConnected reports whether a state means a vehicle is plugged in.
func IsConnected(s types.CPState) bool {
	return s == types.CPStateB || s == types.CPStateC || s == types.CPStateD
}

// Simulated is a ControlPilot driven by injected sense voltages.
type Simulated struct {
	thresholds Thresholds
	demote     int

	mv     int
	state  types.CPState
	belowB int

	contactorCmd  bool
	contactorFB   bool
	failContactor bool

	onChange func(from, to types.CPState)

	mu sync.Mutex
}

// NewSimulated creates a pilot in state A.
func NewSimulated(t Thresholds, demoteSamples int) *Simulated {
	return &Simulated{
		thresholds: t,
		demote:     demoteSamples,
		mv:         t.T12 + t.Step,
		state:      types.CPStateA,
	}
}

// SetMillivolts injects the next sense reading. It is classified on Tick.
func (s *Simulated) SetMillivolts(mv int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mv = mv
}

// Millivolts returns the last injected reading.
func (s *Simulated) Millivolts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mv
}

// SetState forces a state and a matching reading, bypassing the B hysteresis.
func (s *Simulated) SetState(st types.CPState) {
	s.mu.Lock()
	t6 := s.thresholds.T9 - s.thresholds.Step
	switch st {
	case types.CPStateA:
		s.mv = s.thresholds.T12 + s.thresholds.Step/2
	case types.CPStateB:
		s.mv = s.thresholds.T9 + s.thresholds.Step/2
	case types.CPStateC:
		s.mv = t6 + s.thresholds.Step/2
	case types.CPStateD:
		s.mv = t6 - s.thresholds.Step/2
	case types.CPStateE:
		s.mv = t6 - s.thresholds.Step - s.thresholds.Step/2
	default:
		s.mv = 0
	}
	s.belowB = s.demote
	changed := s.setStateLocked(st)
	s.mu.Unlock()
	s.notify(changed)
}

// FailContactor makes subsequent close commands report no feedback.
func (s *Simulated) FailContactor(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failContactor = fail
}

// OnStateChange registers a callback for state transitions.
func (s *Simulated) OnStateChange(fn func(from, to types.CPState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// State returns the debounced pilot state.
func (s *Simulated) State() types.CPState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports B, C or D.
func (s *Simulated) Connected() bool {
	return IsConnected(s.State())
}

// SetContactor commands the contactor and returns the feedback.
func (s *Simulated) SetContactor(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setContactorLocked(on)
}

func (s *Simulated) setContactorLocked(on bool) bool {
	s.contactorCmd = on
	if !on {
		s.contactorFB = false
		return false
	}
	s.contactorFB = !s.failContactor
	if !s.contactorFB {
		log.Warn("Contactor command failed (no aux confirmation)")
	}
	return s.contactorFB
}

// ContactorClosed returns the auxiliary feedback.
func (s *Simulated) ContactorClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactorFB
}

// ContactorCommanded reports the last command.
func (s *Simulated) ContactorCommanded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactorCmd
}

// Tick classifies the current reading. Leaving B needs DemoteSamples
// consecutive readings below the B threshold. The contactor opens when no
// vehicle is connected.
func (s *Simulated) Tick(nowMs uint32) {
	s.mu.Lock()
	if s.mv >= s.thresholds.T9 {
		s.belowB = 0
	} else if s.belowB < 1000 {
		s.belowB++
	}

	next := s.thresholds.Classify(s.mv)
	if s.state == types.CPStateB && next != types.CPStateA && next != types.CPStateB && s.belowB < s.demote {
		next = types.CPStateB
	}
	changed := s.setStateLocked(next)
	if !IsConnected(s.state) && s.contactorCmd {
		s.setContactorLocked(false)
	}
	s.mu.Unlock()
	s.notify(changed)
}

type stateChange struct {
	from, to types.CPState
	fn       func(from, to types.CPState)
}

func (s *Simulated) setStateLocked(next types.CPState) *stateChange {
	if next == s.state {
		return nil
	}
	prev := s.state
	s.state = next
	log.WithFields(log.Fields{
		"from":  prev.String(),
		"state": next.String(),
		"mv":    s.mv,
	}).Info("CP state change")
	return &stateChange{from: prev, to: next, fn: s.onChange}
}

func (s *Simulated) notify(c *stateChange) {
	if c != nil && c.fn != nil {
		c.fn(c.from, c.to)
	}
}
