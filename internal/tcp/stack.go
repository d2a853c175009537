package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
	"evse-controller/internal/ipv6"
	"evse-controller/internal/stats"
)

// Flags.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

const (
	headerLen       = 20
	synAckHeaderLen = 24
	receiveWindow   = 1000
	initialSeq      = 0x01020304

	// MaxSegmentPayload bounds the single unacknowledged segment.
	MaxSegmentPayload = 192

	DefaultPort                = 15118
	DefaultRetransmitTimeoutMs = 1000
	DefaultMaxRetransmits      = 3
	DefaultIdleTimeoutMs       = 5000
)

var (
	ErrSegmentPending  = errors.New("tcp: unacknowledged segment pending")
	ErrNotConnected    = errors.New("tcp: connection not established")
	ErrPayloadTooLarge = errors.New("tcp: payload exceeds segment limit")
)

// State is the connection state.
type State int

const (
	StateClosed State = iota
	StateSynAck
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateSynAck:
		return "SynAck"
	case StateEstablished:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Application consumes the byte stream of the single connection.
type Application interface {
	// Receive is called with each in-order payload after it was acknowledged.
	Receive(payload []byte)
	// Connected is called when the handshake completes.
	Connected()
	// Reset is called when the peer or a timeout tears the connection down.
	Reset()
}

// PacketSender wraps segments in IPv6 and Ethernet.
type PacketSender interface {
	SendTCP(dst ipv6.Addr, dstMAC net.HardwareAddr, segment []byte) error
}

// Config holds the stack's timing policy.
type Config struct {
	Port                uint16
	RetransmitTimeoutMs uint32
	MaxRetransmits      int
	IdleTimeoutMs       uint32
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		Port:                DefaultPort,
		RetransmitTimeoutMs: DefaultRetransmitTimeoutMs,
		MaxRetransmits:      DefaultMaxRetransmits,
		IdleTimeoutMs:       DefaultIdleTimeoutMs,
	}
}

// Stack is a single-peer TCP responder with at most one segment in flight.
// It is not safe for concurrent use; callers serialize access.
type Stack struct {
	cfg   Config
	tx    PacketSender
	clock clock.Clock
	stats *stats.Collector
	app   Application

	// peerMAC returns the vehicle MAC learned during pairing, if any.
	peerMAC func() net.HardwareAddr

	state       State
	seq         uint32
	ack         uint32
	expectedAck uint32

	peerIP      ipv6.Addr
	peerPort    uint16
	fallbackMAC net.HardwareAddr

	pending      []byte
	retransmits  int
	lastTx       uint32
	lastActivity uint32
}

// NewStack creates a closed stack.
func NewStack(cfg Config, tx PacketSender, clk clock.Clock, collector *stats.Collector) *Stack {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Stack{
		cfg:   cfg,
		tx:    tx,
		clock: clk,
		stats: collector,
	}
}

// SetApplication attaches the stream consumer.
func (s *Stack) SetApplication(app Application) {
	s.app = app
}

// SetPeerMAC sets the source of the authoritative vehicle MAC. When it
// returns nil the source MAC of the SYN is used instead.
func (s *Stack) SetPeerMAC(fn func() net.HardwareAddr) {
	s.peerMAC = fn
}

// State returns the connection state.
func (s *Stack) State() State { return s.state }

// Pending reports whether a segment awaits acknowledgement.
func (s *Stack) Pending() bool { return s.pending != nil }

// HandleSegment processes one inbound segment.
func (s *Stack) HandleSegment(src ipv6.Addr, srcMAC [6]byte, segment []byte) {
	if len(segment) < headerLen {
		log.WithField("length", len(segment)).Debug("Dropping short TCP segment")
		return
	}
	hdrLen := int(segment[12]>>4) * 4
	if hdrLen < headerLen || hdrLen > len(segment) {
		log.WithField("header_len", hdrLen).Debug("Dropping TCP segment with bad header length")
		return
	}
	srcPort := binary.BigEndian.Uint16(segment[0:2])
	dstPort := binary.BigEndian.Uint16(segment[2:4])
	if dstPort != s.cfg.Port {
		log.WithField("port", dstPort).Debug("Dropping TCP segment for another port")
		return
	}
	now := s.clock.NowMillis()
	s.lastActivity = now

	rseq := binary.BigEndian.Uint32(segment[4:8])
	rack := binary.BigEndian.Uint32(segment[8:12])
	flags := segment[13]
	payload := segment[hdrLen:]

	if flags&FlagRST != 0 {
		log.Info("TCP reset by peer")
		s.stats.RecordEvent(stats.EventTCPReset)
		s.close(true)
		return
	}

	if flags&FlagSYN != 0 && flags&FlagACK == 0 {
		if s.state == StateClosed {
			s.peerIP = src
			s.peerPort = srcPort
			s.fallbackMAC = append(net.HardwareAddr(nil), srcMAC[:]...)
			s.seq = initialSeq
			s.ack = rseq + 1
			s.state = StateSynAck
			s.sendControl(FlagSYN|FlagACK, synAckHeaderLen)
			log.WithFields(log.Fields{
				"peer": src.String(),
				"port": srcPort,
			}).Debug("TCP SYN received")
		}
		return
	}

	if flags&FlagACK != 0 && s.state == StateSynAck {
		if rack == s.seq+1 {
			s.seq = rack
			s.state = StateEstablished
			log.WithField("peer", s.peerIP.String()).Info("TCP connection established")
			if s.app != nil {
				s.app.Connected()
			}
		}
		return
	}

	if s.state != StateEstablished {
		log.Debug("Ignoring TCP segment, not connected")
		return
	}

	if len(payload) > 0 {
		s.ack = rseq + uint32(len(payload))
		s.seq = rack
		s.sendControl(FlagACK, headerLen)
	}

	// A piggybacked acknowledgement releases the pending segment before the
	// payload is delivered, so the application can answer right away.
	if flags&FlagACK != 0 {
		if s.pending == nil {
			s.seq = rack
		} else if int32(rack-s.expectedAck) >= 0 {
			s.seq = rack
			s.pending = nil
			s.retransmits = 0
		}
	}

	if len(payload) > 0 && s.app != nil {
		s.app.Receive(payload)
		// The application may have reset the connection.
		if s.state != StateEstablished {
			return
		}
	}

	if flags&FlagFIN != 0 {
		s.ack = rseq + uint32(len(payload)) + 1
		s.sendControl(FlagACK, headerLen)
		log.Info("TCP connection closed by peer")
		s.close(true)
	}
}

// Send transmits payload as a single PSH|ACK segment.
func (s *Stack) Send(payload []byte) error {
	if s.state != StateEstablished {
		return ErrNotConnected
	}
	if s.pending != nil {
		return ErrSegmentPending
	}
	if len(payload) > MaxSegmentPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if err := s.transmit(FlagPSH|FlagACK, headerLen, payload); err != nil {
		return err
	}
	if len(payload) > 0 {
		s.pending = append([]byte(nil), payload...)
		s.expectedAck = s.seq + uint32(len(payload))
		s.retransmits = 0
		s.lastTx = s.clock.NowMillis()
	}
	return nil
}

// Tick runs the retransmit and idle timers.
func (s *Stack) Tick(now uint32) {
	if s.state != StateEstablished {
		return
	}
	if s.pending != nil && clock.Reached(now, s.lastTx+s.cfg.RetransmitTimeoutMs) {
		if s.retransmits < s.cfg.MaxRetransmits {
			s.retransmits++
			s.stats.RecordRetransmit("tcp")
			s.stats.RecordEvent(stats.EventTCPRetransmit)
			log.WithField("attempt", s.retransmits).Warn("Retransmitting TCP segment")
			if err := s.transmit(FlagPSH|FlagACK, headerLen, s.pending); err != nil {
				log.WithError(err).Warn("TCP retransmission failed")
			}
			s.lastTx = now
		} else {
			s.stats.RecordEvent(stats.EventTCPRetransmitMax)
			log.Warn("TCP retransmit limit reached, closing connection")
			s.close(true)
			return
		}
	}
	// Idle means strictly longer than the timeout.
	if clock.Reached(now, s.lastActivity+s.cfg.IdleTimeoutMs+1) {
		s.stats.RecordEvent(stats.EventTCPIdleTimeout)
		log.Warn("TCP idle timeout, closing connection")
		s.close(true)
	}
}

// Reset closes the connection without notifying the application.
func (s *Stack) Reset() {
	s.close(false)
}

func (s *Stack) close(notify bool) {
	s.state = StateClosed
	s.pending = nil
	s.retransmits = 0
	if notify && s.app != nil {
		s.app.Reset()
	}
}

func (s *Stack) sendControl(flags byte, hdrLen int) {
	if err := s.transmit(flags, hdrLen, nil); err != nil {
		log.WithError(err).Warn("Failed to send TCP control segment")
	}
}

func (s *Stack) transmit(flags byte, hdrLen int, payload []byte) error {
	segment := make([]byte, hdrLen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], s.cfg.Port)
	binary.BigEndian.PutUint16(segment[2:4], s.peerPort)
	binary.BigEndian.PutUint32(segment[4:8], s.seq)
	binary.BigEndian.PutUint32(segment[8:12], s.ack)
	segment[12] = byte(hdrLen/4) << 4
	segment[13] = flags
	binary.BigEndian.PutUint16(segment[14:16], receiveWindow)
	if hdrLen > headerLen {
		copy(segment[20:24], []byte{0x02, 0x04, 0x05, 0xA0}) // MSS 1440
	}
	copy(segment[hdrLen:], payload)

	log.WithFields(log.Fields{
		"seq":   s.seq,
		"ack":   s.ack,
		"flags": fmt.Sprintf("0x%02x", flags),
		"bytes": len(payload),
	}).Trace("TCP transmit")
	if err := s.tx.SendTCP(s.peerIP, s.destinationMAC(), segment); err != nil {
		return fmt.Errorf("failed to send TCP segment: %w", err)
	}
	return nil
}

func (s *Stack) destinationMAC() net.HardwareAddr {
	if s.peerMAC != nil {
		if mac := s.peerMAC(); mac != nil {
			return mac
		}
	}
	return s.fallbackMAC
}
