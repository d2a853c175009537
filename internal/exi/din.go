package exi

type DINServiceTag struct {
	ServiceID       uint16          `cbor:"1,keyasint"`
	ServiceName     string          `cbor:"2,keyasint,omitempty"`
	ServiceCategory ServiceCategory `cbor:"3,keyasint"`
	ServiceScope    string          `cbor:"4,keyasint,omitempty"`
}

type DINChargeService struct {
	ServiceTag         DINServiceTag      `cbor:"1,keyasint"`
	FreeService        bool               `cbor:"2,keyasint"`
	EnergyTransferType EnergyTransferMode `cbor:"3,keyasint"`
}

type DINServiceDiscoveryRes struct {
	ResponseCode   ResponseCode     `cbor:"1,keyasint"`
	PaymentOptions []PaymentOption  `cbor:"2,keyasint"`
	ChargeService  DINChargeService `cbor:"3,keyasint"`
}

type DINPowerDeliveryReq struct {
	ReadyToChargeState bool `cbor:"1,keyasint"`
}

// DINBody carries exactly one request or response.
type DINBody struct {
	SessionSetupReq             *SessionSetupReq             `cbor:"1,keyasint,omitempty"`
	SessionSetupRes             *SessionSetupRes             `cbor:"2,keyasint,omitempty"`
	ServiceDiscoveryReq         *ServiceDiscoveryReq         `cbor:"3,keyasint,omitempty"`
	ServiceDiscoveryRes         *DINServiceDiscoveryRes      `cbor:"4,keyasint,omitempty"`
	ServicePaymentSelectionReq  *PaymentSelectionReq         `cbor:"5,keyasint,omitempty"`
	ServicePaymentSelectionRes  *PaymentSelectionRes         `cbor:"6,keyasint,omitempty"`
	ContractAuthenticationReq   *AuthorizationReq            `cbor:"7,keyasint,omitempty"`
	ContractAuthenticationRes   *AuthorizationRes            `cbor:"8,keyasint,omitempty"`
	ChargeParameterDiscoveryReq *ChargeParameterDiscoveryReq `cbor:"9,keyasint,omitempty"`
	ChargeParameterDiscoveryRes *ChargeParameterDiscoveryRes `cbor:"10,keyasint,omitempty"`
	CableCheckReq               *CableCheckReq               `cbor:"11,keyasint,omitempty"`
	CableCheckRes               *CableCheckRes               `cbor:"12,keyasint,omitempty"`
	PreChargeReq                *PreChargeReq                `cbor:"13,keyasint,omitempty"`
	PreChargeRes                *PreChargeRes                `cbor:"14,keyasint,omitempty"`
	PowerDeliveryReq            *DINPowerDeliveryReq         `cbor:"15,keyasint,omitempty"`
	PowerDeliveryRes            *PowerDeliveryRes            `cbor:"16,keyasint,omitempty"`
	CurrentDemandReq            *CurrentDemandReq            `cbor:"17,keyasint,omitempty"`
	CurrentDemandRes            *CurrentDemandRes            `cbor:"18,keyasint,omitempty"`
	MeteringReceiptReq          *MeteringReceiptReq          `cbor:"19,keyasint,omitempty"`
	MeteringReceiptRes          *MeteringReceiptRes          `cbor:"20,keyasint,omitempty"`
	SessionStopReq              *SessionStopReq              `cbor:"21,keyasint,omitempty"`
	SessionStopRes              *SessionStopRes              `cbor:"22,keyasint,omitempty"`
}

type DINDocument struct {
	Header MessageHeader `cbor:"1,keyasint"`
	Body   DINBody       `cbor:"2,keyasint"`
}
