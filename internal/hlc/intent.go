package hlc

import "evse-controller/internal/exi"

// RequestKind identifies a vehicle request independent of the schema.
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestSessionSetup
	RequestServiceDiscovery
	RequestPaymentSelection
	RequestPaymentDetails
	RequestAuthorization
	RequestChargeParameterDiscovery
	RequestCableCheck
	RequestPreCharge
	RequestPowerDelivery
	RequestCurrentDemand
	RequestMeteringReceipt
	RequestSessionStop
)

var requestKindNames = [...]string{
	"Unknown",
	"SessionSetup",
	"ServiceDiscovery",
	"PaymentSelection",
	"PaymentDetails",
	"Authorization",
	"ChargeParameterDiscovery",
	"CableCheck",
	"PreCharge",
	"PowerDelivery",
	"CurrentDemand",
	"MeteringReceipt",
	"SessionStop",
}

func (k RequestKind) String() string {
	if k >= 0 && int(k) < len(requestKindNames) {
		return requestKindNames[k]
	}
	return "Unknown"
}

// Request is the decoded content of a vehicle request that the state
// machine acts on.
type Request struct {
	Kind      RequestKind
	SessionID []byte

	EVCCID        []byte
	PaymentOption exi.PaymentOption

	// SOC is valid when HasSOC is set.
	SOC    int8
	HasSOC bool

	Progress         exi.ChargeProgress
	TargetVoltage    float64
	TargetCurrent    float64
	ChargingComplete bool
}

// Limits are the charger maxima advertised to the vehicle. Power is in W.
type Limits struct {
	MaxVoltage        float64
	MaxCurrent        float64
	MaxPower          float64
	PeakCurrentRipple float64
}

// Response is what the state machine decided to answer. Each dialect picks
// the fields its schema carries for the response kind.
type Response struct {
	Kind       RequestKind
	SessionID  []byte
	Code       exi.ResponseCode
	Processing exi.EVSEProcessing

	EVSEID         string
	ServiceName    string
	PaymentOptions []exi.PaymentOption
	GenChallenge   []byte
	Timestamp      int64

	Status exi.DCEVSEStatus
	Limits Limits

	PresentVoltage       float64
	PresentCurrent       float64
	CurrentLimitAchieved bool
	VoltageLimitAchieved bool
	PowerLimitAchieved   bool
}
