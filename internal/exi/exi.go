// Package exi defines the document model exchanged with the vehicle and the
// codec boundary that turns those documents into EXI streams and back.
package exi

import (
	"errors"
	"math"
)

var (
	ErrUnsupported = errors.New("exi: unsupported document")
	ErrEmpty       = errors.New("exi: empty document")
)

// Codec is the serialization service for the three schemas spoken on the
// HLC connection. Implementations must be safe to call from one goroutine
// at a time; they keep no per-session state.
type Codec interface {
	DecodeAppHand(data []byte) (*AppHandDocument, error)
	EncodeAppHand(doc *AppHandDocument) ([]byte, error)
	DecodeDIN(data []byte) (*DINDocument, error)
	EncodeDIN(doc *DINDocument) ([]byte, error)
	DecodeISO2(data []byte) (*ISO2Document, error)
	EncodeISO2(doc *ISO2Document) ([]byte, error)
}

// ResponseCode is shared by DIN 70121 and ISO 15118-2. Both schemas use the
// same ordinal values for the codes below.
type ResponseCode uint8

const (
	ResponseOK ResponseCode = iota
	ResponseOKNewSessionEstablished
	ResponseOKOldSessionJoined
	ResponseOKCertificateExpiresSoon
	ResponseFailed
	ResponseFailedSequenceError
	ResponseFailedServiceIDInvalid
	ResponseFailedUnknownSession
	ResponseFailedServiceSelectionInvalid
	ResponseFailedPaymentSelectionInvalid
	ResponseFailedCertificateExpired
	ResponseFailedSignatureError
	ResponseFailedNoCertificateAvailable
	ResponseFailedCertChainError
	ResponseFailedChallengeInvalid
	ResponseFailedContractCanceled
	ResponseFailedWrongChargeParameter
	ResponseFailedPowerDeliveryNotApplied
)

var responseCodeNames = [...]string{
	"OK",
	"OK_NewSessionEstablished",
	"OK_OldSessionJoined",
	"OK_CertificateExpiresSoon",
	"FAILED",
	"FAILED_SequenceError",
	"FAILED_ServiceIDInvalid",
	"FAILED_UnknownSession",
	"FAILED_ServiceSelectionInvalid",
	"FAILED_PaymentSelectionInvalid",
	"FAILED_CertificateExpired",
	"FAILED_SignatureError",
	"FAILED_NoCertificateAvailable",
	"FAILED_CertChainError",
	"FAILED_ChallengeInvalid",
	"FAILED_ContractCanceled",
	"FAILED_WrongChargeParameter",
	"FAILED_PowerDeliveryNotApplied",
}

func (c ResponseCode) String() string {
	if int(c) < len(responseCodeNames) {
		return responseCodeNames[c]
	}
	return "ResponseCode(?)"
}

// Failed reports whether the code is one of the FAILED variants.
func (c ResponseCode) Failed() bool { return c >= ResponseFailed }

type EVSEProcessing uint8

const (
	ProcessingFinished EVSEProcessing = iota
	ProcessingOngoing
)

type PaymentOption uint8

const (
	PaymentContract PaymentOption = iota
	PaymentExternal
)

func (p PaymentOption) String() string {
	switch p {
	case PaymentContract:
		return "Contract"
	case PaymentExternal:
		return "ExternalPayment"
	default:
		return "PaymentOption(?)"
	}
}

type ServiceCategory uint8

const (
	ServiceEVCharging ServiceCategory = iota
	ServiceInternet
	ServiceContractCertificate
	ServiceOther
)

type EnergyTransferMode uint8

const (
	TransferACSinglePhaseCore EnergyTransferMode = iota
	TransferACThreePhaseCore
	TransferDCCore
	TransferDCExtended
	TransferDCComboCore
	TransferDCUnique
)

type IsolationLevel uint8

const (
	IsolationInvalid IsolationLevel = iota
	IsolationValid
	IsolationWarning
	IsolationFault
	IsolationNoIMD
)

type DCEVSEStatusCode uint8

const (
	EVSENotReady DCEVSEStatusCode = iota
	EVSEReady
	EVSEShutdown
	EVSEUtilityInterruptEvent
	EVSEIsolationMonitoringActive
	EVSEEmergencyShutdown
	EVSEMalfunction
)

func (c DCEVSEStatusCode) String() string {
	switch c {
	case EVSENotReady:
		return "EVSE_NotReady"
	case EVSEReady:
		return "EVSE_Ready"
	case EVSEShutdown:
		return "EVSE_Shutdown"
	case EVSEUtilityInterruptEvent:
		return "EVSE_UtilityInterruptEvent"
	case EVSEIsolationMonitoringActive:
		return "EVSE_IsolationMonitoringActive"
	case EVSEEmergencyShutdown:
		return "EVSE_EmergencyShutdown"
	case EVSEMalfunction:
		return "EVSE_Malfunction"
	default:
		return "DCEVSEStatusCode(?)"
	}
}

type EVSENotification uint8

const (
	NotificationNone EVSENotification = iota
	NotificationStopCharging
	NotificationReNegotiation
)

type UnitSymbol uint8

const (
	UnitHour UnitSymbol = iota
	UnitMinute
	UnitSecond
	UnitAmpere
	UnitVolt
	UnitWatt
	UnitWattHour
)

// PhysicalValue is Value * 10^Multiplier in Unit.
type PhysicalValue struct {
	_          struct{} `cbor:",toarray"`
	Multiplier int8
	Unit       UnitSymbol
	Value      int16
}

// Float returns the scaled value.
func (p PhysicalValue) Float() float64 {
	if p.Multiplier < 0 {
		return float64(p.Value) / math.Pow10(-int(p.Multiplier))
	}
	return float64(p.Value) * math.Pow10(int(p.Multiplier))
}

// NewPhysicalValue encodes v with one decimal digit. Values that do not fit
// an int16 at that resolution move to a coarser multiplier, up to 10^3, and
// saturate beyond it.
func NewPhysicalValue(unit UnitSymbol, v float64) PhysicalValue {
	for mult := -1; mult < maxMultiplier; mult++ {
		scaled := scale(v, mult)
		if scaled >= math.MinInt16 && scaled <= math.MaxInt16 {
			return PhysicalValue{Multiplier: int8(mult), Unit: unit, Value: int16(scaled)}
		}
	}
	scaled := scale(v, maxMultiplier)
	switch {
	case scaled > math.MaxInt16:
		scaled = math.MaxInt16
	case scaled < math.MinInt16:
		scaled = math.MinInt16
	}
	return PhysicalValue{Multiplier: maxMultiplier, Unit: unit, Value: int16(scaled)}
}

const maxMultiplier = 3

func scale(v float64, mult int) float64 {
	if mult < 0 {
		return math.Round(v * math.Pow10(-mult))
	}
	return math.Round(v / math.Pow10(mult))
}
