package ipv6

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/stats"
	"evse-controller/pkg/types"
)

const (
	icmpNeighborSolicitation = 0x87
	icmpNeighborAdvert       = 0x88
	neighborAdvertLen        = 32
	udpHeaderLen             = 8
	linkHopLimit             = 255
	tcpHopLimit              = 64
	tcpChecksumOffset        = 16
)

// FrameSender transmits one Ethernet frame on the powerline link.
type FrameSender interface {
	Send(frame []byte) error
}

// SegmentHandler consumes TCP segments addressed to this host.
type SegmentHandler interface {
	HandleSegment(src Addr, srcMAC [6]byte, segment []byte)
}

// Peer is the vehicle endpoint recorded by the last accepted SDP request.
type Peer struct {
	IP       Addr
	Port     uint16
	Endpoint Endpoint
}

// Responder answers neighbor solicitations and SDP requests and routes TCP
// segments to the micro-stack.
type Responder struct {
	mac    [6]byte
	ip     Addr
	tx     FrameSender
	tls    types.TLSStatus
	policy SDPPolicy
	stats  *stats.Collector

	segments SegmentHandler
	peer     *Peer
	mu       sync.Mutex
}

// NewResponder creates a responder for the host with the given MAC.
// tls may be nil, in which case TLS requests are always rejected.
func NewResponder(mac [6]byte, tx FrameSender, tls types.TLSStatus, policy SDPPolicy, collector *stats.Collector) *Responder {
	return &Responder{
		mac:    mac,
		ip:     LinkLocal(mac),
		tx:     tx,
		tls:    tls,
		policy: policy,
		stats:  collector,
	}
}

// SetSegmentHandler attaches the TCP micro-stack.
func (r *Responder) SetSegmentHandler(h SegmentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = h
}

// LocalIP returns the link-local address of this host.
func (r *Responder) LocalIP() Addr { return r.ip }

// Peer returns the last accepted SDP peer, or nil.
func (r *Responder) Peer() *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == nil {
		return nil
	}
	p := *r.peer
	return &p
}

// Reset forgets the SDP peer.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = nil
}

// HandleFrame processes one IPv6 Ethernet frame.
func (r *Responder) HandleFrame(frame []byte) {
	if len(frame) < PayloadOffset {
		r.malformed(fmt.Errorf("%w: frame of %d bytes", ErrMalformedChain, len(frame)))
		return
	}
	pkt, err := WalkExtensions(frame[EthernetHeaderLen:])
	if err != nil {
		r.malformed(err)
		return
	}
	var srcMAC [6]byte
	copy(srcMAC[:], frame[6:12])

	switch pkt.NextHeader {
	case ProtoUDP:
		r.handleUDP(pkt, srcMAC)
	case ProtoTCP:
		r.mu.Lock()
		h := r.segments
		r.mu.Unlock()
		if h != nil {
			h.HandleSegment(pkt.Src, srcMAC, pkt.Payload)
		}
	case ProtoICMPv6:
		if len(pkt.Payload) > 0 && pkt.Payload[0] == icmpNeighborSolicitation && pkt.Offset == HeaderLen {
			r.advertise(pkt.Src, srcMAC)
		}
	default:
		log.WithField("next_header", pkt.NextHeader).Debug("Ignoring IPv6 packet")
	}
}

func (r *Responder) malformed(err error) {
	r.stats.RecordEvent(stats.EventMalformedIPv6)
	log.WithError(err).Warn("Ignoring malformed IPv6 frame")
}

// advertise answers a neighbor solicitation. The solicitor's addresses are
// used only for the reply and never as vehicle identity.
func (r *Responder) advertise(dst Addr, dstMAC [6]byte) {
	icmp := make([]byte, neighborAdvertLen)
	icmp[0] = icmpNeighborAdvert
	icmp[4] = 0x60 // solicited, override
	copy(icmp[8:24], r.ip[:])
	icmp[24] = 2 // target link-layer address option
	icmp[25] = 1
	copy(icmp[26:32], r.mac[:])
	binary.BigEndian.PutUint16(icmp[2:4], Checksum(r.ip, dst, ProtoICMPv6, icmp))

	frame := buildPacket(dstMAC, r.mac, r.ip, dst, ProtoICMPv6, linkHopLimit, icmp)
	if err := r.tx.Send(frame); err != nil {
		log.WithError(err).Warn("Failed to send neighbor advertisement")
		return
	}
	r.stats.RecordEvent(stats.EventNeighborAdvert)
	log.WithField("dst", dst.String()).Debug("Sent neighbor advertisement")
}

func (r *Responder) handleUDP(pkt *Packet, srcMAC [6]byte) {
	payload := pkt.Payload
	if len(payload) < udpHeaderLen {
		log.WithField("length", len(payload)).Debug("Ignoring short UDP datagram")
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	udpLen := int(binary.BigEndian.Uint16(payload[4:6]))
	if udpLen < udpHeaderLen || udpLen > len(payload) {
		log.WithField("udp_len", udpLen).Debug("Ignoring UDP datagram with bad length")
		return
	}
	if dstPort != SDPPort {
		return
	}

	r.stats.RecordReceived("SDPReq")
	body, err := ParseSDPRequest(payload[udpHeaderLen:udpLen])
	if err != nil {
		r.rejectSDP(err)
		return
	}
	tlsReady := r.tls != nil && r.tls.Ready()
	ep, err := r.policy.Select(body, tlsReady)
	if err != nil {
		r.rejectSDP(err)
		return
	}

	r.mu.Lock()
	r.peer = &Peer{IP: pkt.Src, Port: srcPort, Endpoint: ep}
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"peer": pkt.Src.String(),
		"port": ep.Port,
		"tls":  ep.TLS(),
	}).Info("SDP request accepted")
	r.sendUDP(pkt.Src, srcMAC, SDPPort, srcPort, SDPResponse(r.ip, ep))
}

func (r *Responder) rejectSDP(err error) {
	r.stats.RecordFailure("SDPReq")
	r.stats.RecordEvent(stats.EventSdpRejected)
	log.WithError(err).Warn("SDP request ignored")
}

func (r *Responder) sendUDP(dst Addr, dstMAC [6]byte, srcPort, dstPort uint16, data []byte) {
	udp := make([]byte, udpHeaderLen+len(data))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[udpHeaderLen:], data)
	binary.BigEndian.PutUint16(udp[6:8], Checksum(r.ip, dst, ProtoUDP, udp))

	frame := buildPacket(dstMAC, r.mac, r.ip, dst, ProtoUDP, linkHopLimit, udp)
	if err := r.tx.Send(frame); err != nil {
		log.WithError(err).Warn("Failed to send SDP response")
		return
	}
	r.stats.RecordSent("SDPRes")
}

// SendTCP fills in the checksum of segment and transmits it to dst.
func (r *Responder) SendTCP(dst Addr, dstMAC net.HardwareAddr, segment []byte) error {
	if len(segment) < 20 {
		return fmt.Errorf("tcp segment too short: %d bytes", len(segment))
	}
	var mac [6]byte
	copy(mac[:], dstMAC)
	segment[tcpChecksumOffset] = 0
	segment[tcpChecksumOffset+1] = 0
	binary.BigEndian.PutUint16(segment[tcpChecksumOffset:], Checksum(r.ip, dst, ProtoTCP, segment))
	return r.tx.Send(buildPacket(mac, r.mac, r.ip, dst, ProtoTCP, tcpHopLimit, segment))
}
