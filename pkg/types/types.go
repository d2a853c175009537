package types

import (
	"net"
	"time"
)

// RawFrame represents a link-layer Ethernet frame extracted from a capture file.
type RawFrame struct {
	Data      []byte
	Timestamp time.Time
	EtherType uint16
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
}

// CPState is the Control Pilot state letter (A..F).
type CPState byte

const (
	CPStateA CPState = 'A' // no vehicle
	CPStateB CPState = 'B' // vehicle connected
	CPStateC CPState = 'C' // charging
	CPStateD CPState = 'D' // charging, ventilation required
	CPStateE CPState = 'E' // short / no power
	CPStateF CPState = 'F' // fault
)

func (s CPState) String() string {
	if s < CPStateA || s > CPStateF {
		return "?"
	}
	return string(rune(s))
}

// ControlPilot is the Control Pilot and contactor collaborator.
type ControlPilot interface {
	State() CPState
	Connected() bool
	// SetContactor commands the contactor and returns the auxiliary feedback.
	SetContactor(on bool) bool
	ContactorClosed() bool
	Tick(nowMs uint32)
}

// DCPower is the DC power module collaborator. Ramp state is owned by the implementation.
type DCPower interface {
	EnableOutput(on bool)
	SetTargets(voltage, current float64)
	BusVoltage() float64
	BusCurrent() float64
	EmergencyStop()
	Tick(nowMs uint32)
}

// IsolationLevel mirrors the DIN/ISO isolationLevelType.
type IsolationLevel uint8

const (
	IsolationInvalid IsolationLevel = iota
	IsolationValid
	IsolationWarning
	IsolationFault
	IsolationNoIMD
)

// IsolationMonitor reports the result of the DC isolation test used by CableCheck.
type IsolationMonitor interface {
	Isolation() IsolationLevel
}

// AlwaysValid is an IsolationMonitor for installations without an IMD.
type AlwaysValid struct{}

// Isolation always reports a valid isolation level.
func (AlwaysValid) Isolation() IsolationLevel { return IsolationValid }

// TLSStatus reports whether the TLS endpoint can accept connections.
type TLSStatus interface {
	Ready() bool
}

// SessionRecord holds the summary of a finished charging session.
type SessionRecord struct {
	SessionID  string    `json:"session_id" bson:"session_id"`
	PevMAC     string    `json:"pev_mac" bson:"pev_mac"`
	Protocol   string    `json:"protocol" bson:"protocol"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
	EndedAt    time.Time `json:"ended_at" bson:"ended_at"`
	FinalState string    `json:"final_state" bson:"final_state"`
	Reason     string    `json:"reason" bson:"reason"`
	EVSOC      int8      `json:"ev_soc" bson:"ev_soc"`
	Charged    bool      `json:"charged" bson:"charged"`
}

// MessageStats holds per-message-type statistics.
type MessageStats struct {
	Received   uint64
	Sent       uint64
	Success    uint64
	Failed     uint64
	Timeout    uint64
	Retransmit uint64
}
