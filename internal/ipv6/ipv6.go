package ipv6

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

// Frame offsets of an IPv6 packet carried in an Ethernet II frame.
const (
	EthernetHeaderLen = 14
	HeaderLen         = 40
	PayloadOffset     = EthernetHeaderLen + HeaderLen
)

// Upper-layer protocol numbers.
const (
	ProtoTCP    = uint8(layers.IPProtocolTCP)
	ProtoUDP    = uint8(layers.IPProtocolUDP)
	ProtoICMPv6 = uint8(layers.IPProtocolICMPv6)

	protoMobility = 135
)

var ErrMalformedChain = errors.New("ipv6: malformed extension header chain")

// Addr is a raw IPv6 address.
type Addr [16]byte

func (a Addr) String() string {
	return net.IP(a[:]).String()
}

// LinkLocal derives the fe80::/64 address from a MAC using modified EUI-64.
func LinkLocal(mac [6]byte) Addr {
	var a Addr
	a[0] = 0xfe
	a[1] = 0x80
	a[8] = mac[0] ^ 0x02
	a[9] = mac[1]
	a[10] = mac[2]
	a[11] = 0xff
	a[12] = 0xfe
	a[13] = mac[3]
	a[14] = mac[4]
	a[15] = mac[5]
	return a
}

func fold(sum uint32) uint32 {
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return sum
}

// Checksum computes the UDP/TCP/ICMPv6 checksum over the IPv6 pseudo-header
// and the upper-layer bytes. The checksum field inside upper must be zero.
func Checksum(src, dst Addr, nextHeader uint8, upper []byte) uint16 {
	var sum uint32
	for i := 0; i < 16; i += 2 {
		sum += uint32(src[i])<<8 | uint32(src[i+1])
		sum += uint32(dst[i])<<8 | uint32(dst[i+1])
		sum = fold(sum)
	}
	length := uint32(len(upper))
	sum = fold(sum + (length >> 16))
	sum = fold(sum + (length & 0xFFFF))
	sum = fold(sum + uint32(nextHeader))

	n := len(upper)
	for i := 0; i+1 < n; i += 2 {
		sum = fold(sum + (uint32(upper[i])<<8 | uint32(upper[i+1])))
	}
	if n&1 == 1 {
		sum = fold(sum + uint32(upper[n-1])<<8)
	}
	return ^uint16(fold(sum))
}

func isExtensionHeader(next uint8) bool {
	switch layers.IPProtocol(next) {
	case layers.IPProtocolIPv6HopByHop,
		layers.IPProtocolIPv6Routing,
		layers.IPProtocolIPv6Fragment,
		layers.IPProtocolESP,
		layers.IPProtocolAH,
		layers.IPProtocolIPv6Destination:
		return true
	}
	return next == protoMobility
}

// Packet is the result of walking an IPv6 header and its extension chain.
type Packet struct {
	Src, Dst   Addr
	NextHeader uint8
	// Offset of the upper-layer header, relative to the start of the IPv6 header.
	Offset int
	// Payload holds the upper-layer bytes.
	Payload []byte
}

// WalkExtensions parses the fixed header of packet (starting at the IPv6
// header) and follows its extension headers. Each extension header consumes
// (len+1)*8 bytes.
func WalkExtensions(packet []byte) (*Packet, error) {
	if len(packet) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedChain, len(packet))
	}
	payloadLen := int(binary.BigEndian.Uint16(packet[4:6]))
	end := HeaderLen + payloadLen
	if len(packet) < end {
		return nil, fmt.Errorf("%w: payload length %d exceeds capture", ErrMalformedChain, payloadLen)
	}

	p := &Packet{NextHeader: packet[6], Offset: HeaderLen}
	copy(p.Src[:], packet[8:24])
	copy(p.Dst[:], packet[24:40])

	for isExtensionHeader(p.NextHeader) {
		if p.Offset+2 > end {
			return nil, fmt.Errorf("%w: truncated extension header", ErrMalformedChain)
		}
		next := packet[p.Offset]
		size := (int(packet[p.Offset+1]) + 1) * 8
		if p.Offset+size > end {
			return nil, fmt.Errorf("%w: extension header overruns payload", ErrMalformedChain)
		}
		p.Offset += size
		p.NextHeader = next
	}
	p.Payload = packet[p.Offset:end]
	return p, nil
}

// buildPacket writes an Ethernet II + IPv6 header in front of upper.
func buildPacket(dstMAC, srcMAC [6]byte, src, dst Addr, nextHeader, hopLimit uint8, upper []byte) []byte {
	frame := make([]byte, PayloadOffset+len(upper))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(layers.EthernetTypeIPv6))
	ip := frame[EthernetHeaderLen:]
	ip[0] = 0x60
	binary.BigEndian.PutUint16(ip[4:6], uint16(len(upper)))
	ip[6] = nextHeader
	ip[7] = hopLimit
	copy(ip[8:24], src[:])
	copy(ip[24:40], dst[:])
	copy(frame[PayloadOffset:], upper)
	return frame
}
