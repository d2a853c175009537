package dcpower

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimulated_RampsWhileEnabled(t *testing.T) {
	s := NewSimulated(DefaultVoltageRamp, DefaultCurrentRamp, DefaultTickMs)
	s.SetTargets(12, 3)

	s.Tick(0)
	v, a := s.SetPoint()
	assert.Equal(t, 0.0, v, "no ramp while disabled")
	assert.Equal(t, 0.0, a)

	s.EnableOutput(true)
	s.Tick(100)
	v, a = s.SetPoint()
	assert.InDelta(t, 5.0, v, 1e-9)
	assert.InDelta(t, 2.0, a, 1e-9)

	// Ticks inside the period are ignored.
	s.Tick(150)
	v, _ = s.SetPoint()
	assert.InDelta(t, 5.0, v, 1e-9)

	s.Tick(200)
	s.Tick(300)
	v, a = s.SetPoint()
	assert.InDelta(t, 12.0, v, 1e-9)
	assert.InDelta(t, 3.0, a, 1e-9)
}

func TestSimulated_RampsDown(t *testing.T) {
	s := NewSimulated(DefaultVoltageRamp, DefaultCurrentRamp, DefaultTickMs)
	s.EnableOutput(true)
	s.SetTargets(10, 0)
	s.Tick(0)
	s.Tick(100)
	s.SetTargets(2, 0)
	s.Tick(200)
	v, _ := s.SetPoint()
	assert.InDelta(t, 5.0, v, 1e-9)
	s.Tick(300)
	v, _ = s.SetPoint()
	assert.InDelta(t, 2.0, v, 1e-9)
}

func TestSimulated_BusFallsBackToSetPoint(t *testing.T) {
	s := NewSimulated(DefaultVoltageRamp, DefaultCurrentRamp, DefaultTickMs)
	s.EnableOutput(true)
	s.SetTargets(4, 1)
	s.Tick(0)
	assert.InDelta(t, 4.0, s.BusVoltage(), 1e-9)
	assert.InDelta(t, 1.0, s.BusCurrent(), 1e-9)

	s.SetMeasured(398.5, 10.2)
	assert.Equal(t, 398.5, s.BusVoltage())
	assert.Equal(t, 10.2, s.BusCurrent())
}

func TestSimulated_DisableClears(t *testing.T) {
	s := NewSimulated(DefaultVoltageRamp, DefaultCurrentRamp, DefaultTickMs)
	s.EnableOutput(true)
	s.SetTargets(4, 1)
	s.Tick(0)
	s.EnableOutput(false)
	v, a := s.SetPoint()
	assert.Equal(t, 0.0, v)
	assert.Equal(t, 0.0, a)
	assert.False(t, s.Enabled())

	s.EnableOutput(true)
	s.Tick(100)
	v, _ = s.SetPoint()
	assert.Equal(t, 0.0, v, "targets were cleared")
}

func TestSimulated_EmergencyStopAndNegativeTargets(t *testing.T) {
	s := NewSimulated(DefaultVoltageRamp, DefaultCurrentRamp, 0)
	s.EnableOutput(true)
	s.SetTargets(-10, -1)
	s.Tick(0)
	v, a := s.SetPoint()
	assert.Equal(t, 0.0, v)
	assert.Equal(t, 0.0, a)

	s.SetTargets(5, 1)
	s.Tick(100)
	s.EmergencyStop()
	assert.False(t, s.Enabled())
	assert.Equal(t, 0.0, s.BusVoltage())
}
