package ipv6

import (
	"encoding/binary"
	"errors"
	"fmt"

	"evse-controller/internal/v2gtp"
)

// SDP security and transport octets.
const (
	SecurityTLS  byte = 0x00
	SecurityNone byte = 0x10
	TransportTCP byte = 0x00

	SDPPort            = 15118
	DefaultPlainPort   = 15118
	DefaultTLSPort     = 15119
	sdpRequestBodyLen  = 2
	sdpResponseBodyLen = 20
)

var (
	ErrSDPTransport   = errors.New("sdp: unsupported transport")
	ErrSDPSecurity    = errors.New("sdp: unsupported security")
	ErrSDPTLSNotReady = errors.New("sdp: TLS requested but endpoint not ready")
	ErrSDPMalformed   = errors.New("sdp: malformed request")
)

// Endpoint is the HLC endpoint announced to the vehicle.
type Endpoint struct {
	Port      uint16
	Security  byte
	Transport byte
}

// TLS reports whether the endpoint uses TLS.
func (e Endpoint) TLS() bool { return e.Security == SecurityTLS }

// SDPPolicy selects the endpoint for a discovery request.
type SDPPolicy struct {
	PlainPort uint16
	TLSPort   uint16
}

// DefaultSDPPolicy uses the standard ports.
func DefaultSDPPolicy() SDPPolicy {
	return SDPPolicy{PlainPort: DefaultPlainPort, TLSPort: DefaultTLSPort}
}

// ParseSDPRequest validates the V2GTP framing of an SDP request datagram
// and returns its body.
func ParseSDPRequest(datagram []byte) ([]byte, error) {
	h, err := v2gtp.ParseHeader(datagram)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSDPMalformed, err)
	}
	if h.PayloadType != v2gtp.PayloadSDPRequest {
		return nil, fmt.Errorf("%w: payload type 0x%04x", ErrSDPMalformed, h.PayloadType)
	}
	if int(h.Length) != sdpRequestBodyLen || len(datagram) < v2gtp.HeaderLen+sdpRequestBodyLen {
		return nil, fmt.Errorf("%w: body length %d", ErrSDPMalformed, h.Length)
	}
	return datagram[v2gtp.HeaderLen : v2gtp.HeaderLen+sdpRequestBodyLen], nil
}

// Select validates the request body (security, transport) and picks the
// endpoint. A TLS request is rejected, not queued, while TLS is not ready.
func (p SDPPolicy) Select(body []byte, tlsReady bool) (Endpoint, error) {
	if len(body) != sdpRequestBodyLen {
		return Endpoint{}, ErrSDPMalformed
	}
	security, transport := body[0], body[1]
	if transport != TransportTCP {
		return Endpoint{}, fmt.Errorf("%w: 0x%02x", ErrSDPTransport, transport)
	}
	switch security {
	case SecurityTLS:
		if !tlsReady {
			return Endpoint{}, ErrSDPTLSNotReady
		}
		return Endpoint{Port: p.TLSPort, Security: SecurityTLS, Transport: TransportTCP}, nil
	case SecurityNone:
		return Endpoint{Port: p.PlainPort, Security: SecurityNone, Transport: TransportTCP}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: 0x%02x", ErrSDPSecurity, security)
	}
}

// SDPResponse builds the V2GTP response announcing ip and ep.
func SDPResponse(ip Addr, ep Endpoint) []byte {
	body := make([]byte, sdpResponseBodyLen)
	copy(body[0:16], ip[:])
	binary.BigEndian.PutUint16(body[16:18], ep.Port)
	body[18] = ep.Security
	body[19] = ep.Transport
	return v2gtp.Encode(v2gtp.PayloadSDPResponse, body)
}
