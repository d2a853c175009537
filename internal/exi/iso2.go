package exi

type ChargeProgress uint8

const (
	ProgressStart ChargeProgress = iota
	ProgressStop
	ProgressRenegotiate
)

func (p ChargeProgress) String() string {
	switch p {
	case ProgressStart:
		return "Start"
	case ProgressStop:
		return "Stop"
	case ProgressRenegotiate:
		return "Renegotiate"
	default:
		return "ChargeProgress(?)"
	}
}

type ISO2ChargeService struct {
	ServiceID                   uint16               `cbor:"1,keyasint"`
	ServiceName                 string               `cbor:"2,keyasint,omitempty"`
	ServiceCategory             ServiceCategory      `cbor:"3,keyasint"`
	ServiceScope                string               `cbor:"4,keyasint,omitempty"`
	FreeService                 bool                 `cbor:"5,keyasint"`
	SupportedEnergyTransferMode []EnergyTransferMode `cbor:"6,keyasint"`
}

type ISO2ServiceDiscoveryRes struct {
	ResponseCode      ResponseCode      `cbor:"1,keyasint"`
	PaymentOptionList []PaymentOption   `cbor:"2,keyasint"`
	ChargeService     ISO2ChargeService `cbor:"3,keyasint"`
}

type PaymentDetailsReq struct {
	EMAID                      string `cbor:"1,keyasint"`
	ContractSignatureCertChain []byte `cbor:"2,keyasint,omitempty"`
}

type PaymentDetailsRes struct {
	ResponseCode  ResponseCode `cbor:"1,keyasint"`
	GenChallenge  []byte       `cbor:"2,keyasint"`
	EVSETimeStamp int64        `cbor:"3,keyasint"`
}

type ISO2PowerDeliveryReq struct {
	ChargeProgress    ChargeProgress `cbor:"1,keyasint"`
	SAScheduleTupleID uint8          `cbor:"2,keyasint,omitempty"`
}

// ISO2Body carries exactly one request or response.
type ISO2Body struct {
	SessionSetupReq             *SessionSetupReq             `cbor:"1,keyasint,omitempty"`
	SessionSetupRes             *SessionSetupRes             `cbor:"2,keyasint,omitempty"`
	ServiceDiscoveryReq         *ServiceDiscoveryReq         `cbor:"3,keyasint,omitempty"`
	ServiceDiscoveryRes         *ISO2ServiceDiscoveryRes     `cbor:"4,keyasint,omitempty"`
	PaymentServiceSelectionReq  *PaymentSelectionReq         `cbor:"5,keyasint,omitempty"`
	PaymentServiceSelectionRes  *PaymentSelectionRes         `cbor:"6,keyasint,omitempty"`
	PaymentDetailsReq           *PaymentDetailsReq           `cbor:"7,keyasint,omitempty"`
	PaymentDetailsRes           *PaymentDetailsRes           `cbor:"8,keyasint,omitempty"`
	AuthorizationReq            *AuthorizationReq            `cbor:"9,keyasint,omitempty"`
	AuthorizationRes            *AuthorizationRes            `cbor:"10,keyasint,omitempty"`
	ChargeParameterDiscoveryReq *ChargeParameterDiscoveryReq `cbor:"11,keyasint,omitempty"`
	ChargeParameterDiscoveryRes *ChargeParameterDiscoveryRes `cbor:"12,keyasint,omitempty"`
	CableCheckReq               *CableCheckReq               `cbor:"13,keyasint,omitempty"`
	CableCheckRes               *CableCheckRes               `cbor:"14,keyasint,omitempty"`
	PreChargeReq                *PreChargeReq                `cbor:"15,keyasint,omitempty"`
	PreChargeRes                *PreChargeRes                `cbor:"16,keyasint,omitempty"`
	PowerDeliveryReq            *ISO2PowerDeliveryReq        `cbor:"17,keyasint,omitempty"`
	PowerDeliveryRes            *PowerDeliveryRes            `cbor:"18,keyasint,omitempty"`
	CurrentDemandReq            *CurrentDemandReq            `cbor:"19,keyasint,omitempty"`
	CurrentDemandRes            *CurrentDemandRes            `cbor:"20,keyasint,omitempty"`
	MeteringReceiptReq          *MeteringReceiptReq          `cbor:"21,keyasint,omitempty"`
	MeteringReceiptRes          *MeteringReceiptRes          `cbor:"22,keyasint,omitempty"`
	SessionStopReq              *SessionStopReq              `cbor:"23,keyasint,omitempty"`
	SessionStopRes              *SessionStopRes              `cbor:"24,keyasint,omitempty"`
}

type ISO2Document struct {
	Header MessageHeader `cbor:"1,keyasint"`
	Body   ISO2Body      `cbor:"2,keyasint"`
}
