package hlc

import "fmt"

// State is the request the engine waits for next.
type State int

const (
	WaitSupportedAppProtocol State = iota
	WaitSessionSetup
	WaitServiceDiscovery
	WaitServicePaymentSelection
	WaitPaymentDetails
	WaitContractAuthentication
	WaitChargeParameterDiscovery
	WaitCableCheck
	WaitPreCharge
	WaitPowerDelivery
	WaitCurrentDemand
	WaitSessionStop
)

var stateNames = [...]string{
	"WaitSupportedAppProtocol",
	"WaitSessionSetup",
	"WaitServiceDiscovery",
	"WaitServicePaymentSelection",
	"WaitPaymentDetails",
	"WaitContractAuthentication",
	"WaitChargeParameterDiscovery",
	"WaitCableCheck",
	"WaitPreCharge",
	"WaitPowerDelivery",
	"WaitCurrentDemand",
	"WaitSessionStop",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Protocol is the negotiated application protocol.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolDIN
	ProtocolISO2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNone:
		return "none"
	case ProtocolDIN:
		return "DIN70121"
	case ProtocolISO2:
		return "ISO15118-2"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}
