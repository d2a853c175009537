package hlc

import (
	"errors"
	"fmt"

	"evse-controller/internal/exi"
)

var ErrUnexpectedResponse = errors.New("hlc: cannot encode response kind")

// Dialect maps one schema onto the protocol-neutral intents.
type Dialect interface {
	Protocol() Protocol
	DecodeRequest(data []byte) (Request, error)
	EncodeResponse(resp Response) ([]byte, error)
	StatusCode(connected, charging, contactorClosed bool) exi.DCEVSEStatusCode
}

// NewDialect returns the dialect for a negotiated protocol.
func NewDialect(p Protocol, codec exi.Codec) (Dialect, error) {
	switch p {
	case ProtocolDIN:
		return &dinDialect{codec: codec}, nil
	case ProtocolISO2:
		return &iso2Dialect{codec: codec}, nil
	default:
		return nil, fmt.Errorf("no dialect for protocol %s", p)
	}
}

func physical(unit exi.UnitSymbol, v float64) exi.PhysicalValue {
	return exi.NewPhysicalValue(unit, v)
}

func physicalRef(unit exi.UnitSymbol, v float64) *exi.PhysicalValue {
	pv := exi.NewPhysicalValue(unit, v)
	return &pv
}

func chargeParameter(r Response) *exi.DCEVSEChargeParameter {
	return &exi.DCEVSEChargeParameter{
		DCEVSEStatus:            r.Status,
		EVSEMaximumCurrentLimit: physical(exi.UnitAmpere, r.Limits.MaxCurrent),
		EVSEMaximumPowerLimit:   physical(exi.UnitWatt, r.Limits.MaxPower),
		EVSEMaximumVoltageLimit: physical(exi.UnitVolt, r.Limits.MaxVoltage),
		EVSEMinimumCurrentLimit: physical(exi.UnitAmpere, 0),
		EVSEMinimumVoltageLimit: physical(exi.UnitVolt, 0),
		EVSEPeakCurrentRipple:   physical(exi.UnitAmpere, r.Limits.PeakCurrentRipple),
	}
}

func currentDemandRes(r Response) *exi.CurrentDemandRes {
	return &exi.CurrentDemandRes{
		ResponseCode:             r.Code,
		DCEVSEStatus:             r.Status,
		EVSEPresentVoltage:       physical(exi.UnitVolt, r.PresentVoltage),
		EVSEPresentCurrent:       physical(exi.UnitAmpere, r.PresentCurrent),
		EVSECurrentLimitAchieved: r.CurrentLimitAchieved,
		EVSEVoltageLimitAchieved: r.VoltageLimitAchieved,
		EVSEPowerLimitAchieved:   r.PowerLimitAchieved,
		EVSEMaximumVoltageLimit:  physicalRef(exi.UnitVolt, r.Limits.MaxVoltage),
		EVSEMaximumCurrentLimit:  physicalRef(exi.UnitAmpere, r.Limits.MaxCurrent),
		EVSEMaximumPowerLimit:    physicalRef(exi.UnitWatt, r.Limits.MaxPower),
	}
}

func statusRef(s exi.DCEVSEStatus) *exi.DCEVSEStatus {
	return &s
}

type dinDialect struct {
	codec exi.Codec
}

func (d *dinDialect) Protocol() Protocol { return ProtocolDIN }

func (d *dinDialect) DecodeRequest(data []byte) (Request, error) {
	doc, err := d.codec.DecodeDIN(data)
	if err != nil {
		return Request{}, err
	}
	req := Request{SessionID: doc.Header.SessionID}
	b := &doc.Body
	switch {
	case b.SessionSetupReq != nil:
		req.Kind = RequestSessionSetup
		req.EVCCID = b.SessionSetupReq.EVCCID
	case b.ServiceDiscoveryReq != nil:
		req.Kind = RequestServiceDiscovery
	case b.ServicePaymentSelectionReq != nil:
		req.Kind = RequestPaymentSelection
		req.PaymentOption = b.ServicePaymentSelectionReq.SelectedPaymentOption
	case b.ContractAuthenticationReq != nil:
		req.Kind = RequestAuthorization
	case b.ChargeParameterDiscoveryReq != nil:
		req.Kind = RequestChargeParameterDiscovery
		if p := b.ChargeParameterDiscoveryReq.DCEVChargeParameter; p != nil {
			req.SOC, req.HasSOC = p.DCEVStatus.EVRESSSOC, true
		}
	case b.CableCheckReq != nil:
		req.Kind = RequestCableCheck
	case b.PreChargeReq != nil:
		req.Kind = RequestPreCharge
		req.TargetVoltage = b.PreChargeReq.EVTargetVoltage.Float()
		req.TargetCurrent = b.PreChargeReq.EVTargetCurrent.Float()
	case b.PowerDeliveryReq != nil:
		req.Kind = RequestPowerDelivery
		req.Progress = exi.ProgressStop
		if b.PowerDeliveryReq.ReadyToChargeState {
			req.Progress = exi.ProgressStart
		}
	case b.CurrentDemandReq != nil:
		req.Kind = RequestCurrentDemand
		req.TargetVoltage = b.CurrentDemandReq.EVTargetVoltage.Float()
		req.TargetCurrent = b.CurrentDemandReq.EVTargetCurrent.Float()
		req.ChargingComplete = b.CurrentDemandReq.ChargingComplete
		req.SOC, req.HasSOC = b.CurrentDemandReq.DCEVStatus.EVRESSSOC, true
	case b.MeteringReceiptReq != nil:
		req.Kind = RequestMeteringReceipt
	case b.SessionStopReq != nil:
		req.Kind = RequestSessionStop
	}
	return req, nil
}

func (d *dinDialect) EncodeResponse(r Response) ([]byte, error) {
	doc := &exi.DINDocument{Header: exi.MessageHeader{SessionID: r.SessionID}}
	b := &doc.Body
	switch r.Kind {
	case RequestSessionSetup:
		b.SessionSetupRes = &exi.SessionSetupRes{ResponseCode: r.Code, EVSEID: r.EVSEID}
	case RequestServiceDiscovery:
		b.ServiceDiscoveryRes = &exi.DINServiceDiscoveryRes{
			ResponseCode:   r.Code,
			PaymentOptions: r.PaymentOptions,
			ChargeService: exi.DINChargeService{
				ServiceTag: exi.DINServiceTag{
					ServiceID:       1,
					ServiceName:     r.ServiceName,
					ServiceCategory: exi.ServiceEVCharging,
				},
				EnergyTransferType: exi.TransferDCExtended,
			},
		}
	case RequestPaymentSelection:
		b.ServicePaymentSelectionRes = &exi.PaymentSelectionRes{ResponseCode: r.Code}
	case RequestAuthorization:
		b.ContractAuthenticationRes = &exi.AuthorizationRes{ResponseCode: r.Code, EVSEProcessing: r.Processing}
	case RequestChargeParameterDiscovery:
		b.ChargeParameterDiscoveryRes = &exi.ChargeParameterDiscoveryRes{
			ResponseCode:          r.Code,
			EVSEProcessing:        r.Processing,
			DCEVSEChargeParameter: chargeParameter(r),
		}
	case RequestCableCheck:
		b.CableCheckRes = &exi.CableCheckRes{ResponseCode: r.Code, DCEVSEStatus: r.Status, EVSEProcessing: r.Processing}
	case RequestPreCharge:
		b.PreChargeRes = &exi.PreChargeRes{
			ResponseCode:       r.Code,
			DCEVSEStatus:       r.Status,
			EVSEPresentVoltage: physical(exi.UnitVolt, r.PresentVoltage),
		}
	case RequestPowerDelivery:
		b.PowerDeliveryRes = &exi.PowerDeliveryRes{ResponseCode: r.Code, DCEVSEStatus: statusRef(r.Status)}
	case RequestCurrentDemand:
		b.CurrentDemandRes = currentDemandRes(r)
	case RequestMeteringReceipt:
		b.MeteringReceiptRes = &exi.MeteringReceiptRes{ResponseCode: r.Code}
	case RequestSessionStop:
		b.SessionStopRes = &exi.SessionStopRes{ResponseCode: r.Code}
	default:
		return nil, fmt.Errorf("%w: DIN %s", ErrUnexpectedResponse, r.Kind)
	}
	return d.codec.EncodeDIN(doc)
}

// StatusCode reports Ready while energy flows, Shutdown with the contactor
// open and NotReady without a vehicle.
func (d *dinDialect) StatusCode(connected, charging, contactorClosed bool) exi.DCEVSEStatusCode {
	switch {
	case !connected:
		return exi.EVSENotReady
	case charging && contactorClosed:
		return exi.EVSEReady
	case !contactorClosed:
		return exi.EVSEShutdown
	default:
		return exi.EVSEReady
	}
}

type iso2Dialect struct {
	codec exi.Codec
}

func (d *iso2Dialect) Protocol() Protocol { return ProtocolISO2 }

func (d *iso2Dialect) DecodeRequest(data []byte) (Request, error) {
	doc, err := d.codec.DecodeISO2(data)
	if err != nil {
		return Request{}, err
	}
	req := Request{SessionID: doc.Header.SessionID}
	b := &doc.Body
	switch {
	case b.SessionSetupReq != nil:
		req.Kind = RequestSessionSetup
		req.EVCCID = b.SessionSetupReq.EVCCID
	case b.ServiceDiscoveryReq != nil:
		req.Kind = RequestServiceDiscovery
	case b.PaymentServiceSelectionReq != nil:
		req.Kind = RequestPaymentSelection
		req.PaymentOption = b.PaymentServiceSelectionReq.SelectedPaymentOption
	case b.PaymentDetailsReq != nil:
		req.Kind = RequestPaymentDetails
	case b.AuthorizationReq != nil:
		req.Kind = RequestAuthorization
	case b.ChargeParameterDiscoveryReq != nil:
		req.Kind = RequestChargeParameterDiscovery
		if p := b.ChargeParameterDiscoveryReq.DCEVChargeParameter; p != nil {
			req.SOC, req.HasSOC = p.DCEVStatus.EVRESSSOC, true
		}
	case b.CableCheckReq != nil:
		req.Kind = RequestCableCheck
	case b.PreChargeReq != nil:
		req.Kind = RequestPreCharge
		req.TargetVoltage = b.PreChargeReq.EVTargetVoltage.Float()
		req.TargetCurrent = b.PreChargeReq.EVTargetCurrent.Float()
	case b.PowerDeliveryReq != nil:
		req.Kind = RequestPowerDelivery
		req.Progress = b.PowerDeliveryReq.ChargeProgress
	case b.CurrentDemandReq != nil:
		req.Kind = RequestCurrentDemand
		req.TargetVoltage = b.CurrentDemandReq.EVTargetVoltage.Float()
		req.TargetCurrent = b.CurrentDemandReq.EVTargetCurrent.Float()
		req.ChargingComplete = b.CurrentDemandReq.ChargingComplete
		req.SOC, req.HasSOC = b.CurrentDemandReq.DCEVStatus.EVRESSSOC, true
	case b.MeteringReceiptReq != nil:
		req.Kind = RequestMeteringReceipt
	case b.SessionStopReq != nil:
		req.Kind = RequestSessionStop
	}
	return req, nil
}

// saScheduleTupleID is the single schedule offered to the vehicle.
const saScheduleTupleID = 1

func (d *iso2Dialect) EncodeResponse(r Response) ([]byte, error) {
	doc := &exi.ISO2Document{Header: exi.MessageHeader{SessionID: r.SessionID}}
	b := &doc.Body
	switch r.Kind {
	case RequestSessionSetup:
		b.SessionSetupRes = &exi.SessionSetupRes{ResponseCode: r.Code, EVSEID: r.EVSEID}
	case RequestServiceDiscovery:
		b.ServiceDiscoveryRes = &exi.ISO2ServiceDiscoveryRes{
			ResponseCode:      r.Code,
			PaymentOptionList: r.PaymentOptions,
			ChargeService: exi.ISO2ChargeService{
				ServiceID:                   1,
				ServiceName:                 r.ServiceName,
				ServiceCategory:             exi.ServiceEVCharging,
				SupportedEnergyTransferMode: []exi.EnergyTransferMode{exi.TransferDCCore},
			},
		}
	case RequestPaymentSelection:
		b.PaymentServiceSelectionRes = &exi.PaymentSelectionRes{ResponseCode: r.Code}
	case RequestPaymentDetails:
		b.PaymentDetailsRes = &exi.PaymentDetailsRes{
			ResponseCode:  r.Code,
			GenChallenge:  r.GenChallenge,
			EVSETimeStamp: r.Timestamp,
		}
	case RequestAuthorization:
		b.AuthorizationRes = &exi.AuthorizationRes{ResponseCode: r.Code, EVSEProcessing: r.Processing}
	case RequestChargeParameterDiscovery:
		b.ChargeParameterDiscoveryRes = &exi.ChargeParameterDiscoveryRes{
			ResponseCode:          r.Code,
			EVSEProcessing:        r.Processing,
			DCEVSEChargeParameter: chargeParameter(r),
		}
	case RequestCableCheck:
		b.CableCheckRes = &exi.CableCheckRes{ResponseCode: r.Code, DCEVSEStatus: r.Status, EVSEProcessing: r.Processing}
	case RequestPreCharge:
		b.PreChargeRes = &exi.PreChargeRes{
			ResponseCode:       r.Code,
			DCEVSEStatus:       r.Status,
			EVSEPresentVoltage: physical(exi.UnitVolt, r.PresentVoltage),
		}
	case RequestPowerDelivery:
		b.PowerDeliveryRes = &exi.PowerDeliveryRes{ResponseCode: r.Code, DCEVSEStatus: statusRef(r.Status)}
	case RequestCurrentDemand:
		res := currentDemandRes(r)
		res.EVSEID = r.EVSEID
		res.SAScheduleTupleID = saScheduleTupleID
		b.CurrentDemandRes = res
	case RequestMeteringReceipt:
		b.MeteringReceiptRes = &exi.MeteringReceiptRes{ResponseCode: r.Code, DCEVSEStatus: statusRef(r.Status)}
	case RequestSessionStop:
		b.SessionStopRes = &exi.SessionStopRes{ResponseCode: r.Code}
	default:
		return nil, fmt.Errorf("%w: ISO-2 %s", ErrUnexpectedResponse, r.Kind)
	}
	return d.codec.EncodeISO2(doc)
}

// StatusCode reports NotReady without a vehicle and Shutdown while the
// contactor is open.
func (d *iso2Dialect) StatusCode(connected, charging, contactorClosed bool) exi.DCEVSEStatusCode {
	switch {
	case !connected:
		return exi.EVSENotReady
	case !contactorClosed:
		return exi.EVSEShutdown
	default:
		return exi.EVSEReady
	}
}
