package exi

// Message types common to the DIN and ISO-2 bodies. Dialect specific
// messages live next to their document type.

type MessageHeader struct {
	SessionID []byte `cbor:"1,keyasint"`
}

type DCEVStatus struct {
	EVReady     bool  `cbor:"1,keyasint,omitempty"`
	EVErrorCode uint8 `cbor:"2,keyasint,omitempty"`
	EVRESSSOC   int8  `cbor:"3,keyasint"`
}

type DCEVSEStatus struct {
	EVSEIsolationStatus  *IsolationLevel  `cbor:"1,keyasint,omitempty"`
	EVSEStatusCode       DCEVSEStatusCode `cbor:"2,keyasint"`
	NotificationMaxDelay uint16           `cbor:"3,keyasint,omitempty"`
	EVSENotification     EVSENotification `cbor:"4,keyasint,omitempty"`
}

type SessionSetupReq struct {
	EVCCID []byte `cbor:"1,keyasint"`
}

type SessionSetupRes struct {
	ResponseCode  ResponseCode `cbor:"1,keyasint"`
	EVSEID        string       `cbor:"2,keyasint"`
	EVSETimeStamp int64        `cbor:"3,keyasint,omitempty"`
}

type ServiceDiscoveryReq struct {
	ServiceScope    string           `cbor:"1,keyasint,omitempty"`
	ServiceCategory *ServiceCategory `cbor:"2,keyasint,omitempty"`
}

type SelectedService struct {
	_              struct{} `cbor:",toarray"`
	ServiceID      uint16
	ParameterSetID int16
}

type PaymentSelectionReq struct {
	SelectedPaymentOption PaymentOption     `cbor:"1,keyasint"`
	SelectedServiceList   []SelectedService `cbor:"2,keyasint,omitempty"`
}

type PaymentSelectionRes struct {
	ResponseCode ResponseCode `cbor:"1,keyasint"`
}

type AuthorizationReq struct {
	ID           string `cbor:"1,keyasint,omitempty"`
	GenChallenge []byte `cbor:"2,keyasint,omitempty"`
}

type AuthorizationRes struct {
	ResponseCode   ResponseCode   `cbor:"1,keyasint"`
	EVSEProcessing EVSEProcessing `cbor:"2,keyasint"`
}

type DCEVChargeParameter struct {
	DCEVStatus            DCEVStatus     `cbor:"1,keyasint"`
	EVMaximumCurrentLimit *PhysicalValue `cbor:"2,keyasint,omitempty"`
	EVMaximumVoltageLimit *PhysicalValue `cbor:"3,keyasint,omitempty"`
	EVMaximumPowerLimit   *PhysicalValue `cbor:"4,keyasint,omitempty"`
	EVEnergyRequest       *PhysicalValue `cbor:"5,keyasint,omitempty"`
	FullSOC               *int8          `cbor:"6,keyasint,omitempty"`
	BulkSOC               *int8          `cbor:"7,keyasint,omitempty"`
}

type ChargeParameterDiscoveryReq struct {
	RequestedEnergyTransferMode EnergyTransferMode   `cbor:"1,keyasint"`
	DCEVChargeParameter         *DCEVChargeParameter `cbor:"2,keyasint,omitempty"`
}

type DCEVSEChargeParameter struct {
	DCEVSEStatus                   DCEVSEStatus   `cbor:"1,keyasint"`
	EVSEMaximumCurrentLimit        PhysicalValue  `cbor:"2,keyasint"`
	EVSEMaximumPowerLimit          PhysicalValue  `cbor:"3,keyasint"`
	EVSEMaximumVoltageLimit        PhysicalValue  `cbor:"4,keyasint"`
	EVSEMinimumCurrentLimit        PhysicalValue  `cbor:"5,keyasint"`
	EVSEMinimumVoltageLimit        PhysicalValue  `cbor:"6,keyasint"`
	EVSECurrentRegulationTolerance *PhysicalValue `cbor:"7,keyasint,omitempty"`
	EVSEPeakCurrentRipple          PhysicalValue  `cbor:"8,keyasint"`
	EVSEEnergyToBeDelivered        *PhysicalValue `cbor:"9,keyasint,omitempty"`
}

type ChargeParameterDiscoveryRes struct {
	ResponseCode          ResponseCode           `cbor:"1,keyasint"`
	EVSEProcessing        EVSEProcessing         `cbor:"2,keyasint"`
	DCEVSEChargeParameter *DCEVSEChargeParameter `cbor:"3,keyasint,omitempty"`
}

type CableCheckReq struct {
	DCEVStatus DCEVStatus `cbor:"1,keyasint"`
}

type CableCheckRes struct {
	ResponseCode   ResponseCode   `cbor:"1,keyasint"`
	DCEVSEStatus   DCEVSEStatus   `cbor:"2,keyasint"`
	EVSEProcessing EVSEProcessing `cbor:"3,keyasint"`
}

type PreChargeReq struct {
	DCEVStatus      DCEVStatus    `cbor:"1,keyasint"`
	EVTargetVoltage PhysicalValue `cbor:"2,keyasint"`
	EVTargetCurrent PhysicalValue `cbor:"3,keyasint"`
}

type PreChargeRes struct {
	ResponseCode       ResponseCode  `cbor:"1,keyasint"`
	DCEVSEStatus       DCEVSEStatus  `cbor:"2,keyasint"`
	EVSEPresentVoltage PhysicalValue `cbor:"3,keyasint"`
}

type PowerDeliveryRes struct {
	ResponseCode ResponseCode  `cbor:"1,keyasint"`
	DCEVSEStatus *DCEVSEStatus `cbor:"2,keyasint,omitempty"`
}

type CurrentDemandReq struct {
	DCEVStatus             DCEVStatus     `cbor:"1,keyasint"`
	EVTargetCurrent        PhysicalValue  `cbor:"2,keyasint"`
	EVTargetVoltage        PhysicalValue  `cbor:"3,keyasint"`
	ChargingComplete       bool           `cbor:"4,keyasint,omitempty"`
	BulkChargingDone       bool           `cbor:"5,keyasint,omitempty"`
	RemainingTimeToFullSoC *PhysicalValue `cbor:"6,keyasint,omitempty"`
}

type CurrentDemandRes struct {
	ResponseCode             ResponseCode   `cbor:"1,keyasint"`
	DCEVSEStatus             DCEVSEStatus   `cbor:"2,keyasint"`
	EVSEPresentVoltage       PhysicalValue  `cbor:"3,keyasint"`
	EVSEPresentCurrent       PhysicalValue  `cbor:"4,keyasint"`
	EVSECurrentLimitAchieved bool           `cbor:"5,keyasint"`
	EVSEVoltageLimitAchieved bool           `cbor:"6,keyasint"`
	EVSEPowerLimitAchieved   bool           `cbor:"7,keyasint"`
	EVSEMaximumVoltageLimit  *PhysicalValue `cbor:"8,keyasint,omitempty"`
	EVSEMaximumCurrentLimit  *PhysicalValue `cbor:"9,keyasint,omitempty"`
	EVSEMaximumPowerLimit    *PhysicalValue `cbor:"10,keyasint,omitempty"`
	EVSEID                   string         `cbor:"11,keyasint,omitempty"`
	SAScheduleTupleID        uint8          `cbor:"12,keyasint,omitempty"`
}

type MeteringReceiptReq struct {
	ID                string `cbor:"1,keyasint,omitempty"`
	SessionID         []byte `cbor:"2,keyasint,omitempty"`
	SAScheduleTupleID uint8  `cbor:"3,keyasint,omitempty"`
	MeterID           string `cbor:"4,keyasint,omitempty"`
	MeterReading      uint64 `cbor:"5,keyasint,omitempty"`
}

type MeteringReceiptRes struct {
	ResponseCode ResponseCode  `cbor:"1,keyasint"`
	DCEVSEStatus *DCEVSEStatus `cbor:"2,keyasint,omitempty"`
}

type SessionStopReq struct {
	ChargingSession uint8 `cbor:"1,keyasint,omitempty"`
}

type SessionStopRes struct {
	ResponseCode ResponseCode `cbor:"1,keyasint"`
}
