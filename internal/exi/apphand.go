package exi

// Namespaces announced by vehicles for the supported schemas.
const (
	NamespaceDIN  = "urn:din:70121:2012:MsgDef"
	NamespaceISO2 = "urn:iso:15118:2:2013:MsgDef"
)

type AppHandResponseCode uint8

const (
	AppHandOKSuccessfulNegotiation AppHandResponseCode = iota
	AppHandOKSuccessfulNegotiationWithMinorDeviation
	AppHandFailedNoNegotiation
)

func (c AppHandResponseCode) String() string {
	switch c {
	case AppHandOKSuccessfulNegotiation:
		return "OK_SuccessfulNegotiation"
	case AppHandOKSuccessfulNegotiationWithMinorDeviation:
		return "OK_SuccessfulNegotiationWithMinorDeviation"
	case AppHandFailedNoNegotiation:
		return "Failed_NoNegotiation"
	default:
		return "AppHandResponseCode(?)"
	}
}

type AppProtocol struct {
	Namespace    string `cbor:"1,keyasint"`
	VersionMajor uint32 `cbor:"2,keyasint,omitempty"`
	VersionMinor uint32 `cbor:"3,keyasint,omitempty"`
	SchemaID     uint8  `cbor:"4,keyasint"`
	Priority     uint8  `cbor:"5,keyasint,omitempty"`
}

type SupportedAppProtocolReq struct {
	AppProtocol []AppProtocol `cbor:"1,keyasint"`
}

type SupportedAppProtocolRes struct {
	ResponseCode AppHandResponseCode `cbor:"1,keyasint"`
	SchemaID     *uint8              `cbor:"2,keyasint,omitempty"`
}

// AppHandDocument carries exactly one of its members.
type AppHandDocument struct {
	SupportedAppProtocolReq *SupportedAppProtocolReq `cbor:"1,keyasint,omitempty"`
	SupportedAppProtocolRes *SupportedAppProtocolRes `cbor:"2,keyasint,omitempty"`
}
