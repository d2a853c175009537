package link

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"evse-controller/internal/stats"
)

// Burst layout as read from the transceiver:
//
//	[0:4]   frame length prefix
//	[4:8]   start of frame, 0xAA x4
//	[8:10]  frame length, little endian
//	[10:12] reserved
//	[12:]   Ethernet frame
//	        end of frame, 0x55 0x55
const (
	burstHeaderLen   = 12
	burstFooterLen   = 2
	MinFrameLen      = 60
	MinRescanLen     = 74
	InvalidThreshold = 3

	// EtherTypeHomePlug is the HomePlug AV/GreenPHY management EtherType.
	EtherTypeHomePlug = uint16(0x88E1)
	// EtherTypeIPv6 is the IPv6 EtherType.
	EtherTypeIPv6 = uint16(layers.EthernetTypeIPv6)

	etherTypeOffset = 12
)

var (
	ErrBadMagic     = errors.New("burst start-of-frame magic missing")
	ErrShortFrame   = errors.New("announced frame length below minimum")
	ErrTruncated    = errors.New("burst shorter than announced frame")
	ErrFrameTooLong = errors.New("frame exceeds transmit limit")
)

// MaxFrameLen bounds a single transmitted frame.
const MaxFrameLen = 1518

// Handler consumes Ethernet frames of one EtherType.
type Handler interface {
	HandleFrame(frame []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(frame []byte)

// HandleFrame calls f(frame).
func (f HandlerFunc) HandleFrame(frame []byte) { f(frame) }

// Reassembler validates transceiver bursts, splits them into Ethernet frames
// and dispatches each frame by EtherType.
type Reassembler struct {
	handlers map[uint16]Handler
	resetter Resetter
	onReset  func()
	tap      Tap
	stats    *stats.Collector

	invalid int
}

// Resetter performs a hardware reset of the transceiver.
type Resetter interface {
	Reset() error
}

// NewReassembler creates a reassembler. resetter may be nil in tests.
func NewReassembler(resetter Resetter, collector *stats.Collector) *Reassembler {
	return &Reassembler{
		handlers: make(map[uint16]Handler),
		resetter: resetter,
		stats:    collector,
	}
}

// Register routes frames of the given EtherType to h.
func (r *Reassembler) Register(etherType uint16, h Handler) {
	r.handlers[etherType] = h
}

// OnReset registers a callback invoked after a transceiver reset, used to
// discard session, transport and link state.
func (r *Reassembler) OnReset(fn func()) {
	r.onReset = fn
}

// SetTap attaches a frame observer for received frames.
func (r *Reassembler) SetTap(tap Tap) {
	r.tap = tap
}

// InvalidCount returns the number of consecutive invalid bursts.
func (r *Reassembler) InvalidCount() int {
	return r.invalid
}

// Process handles one burst read from the transceiver. A burst may carry
// several frames back to back.
func (r *Reassembler) Process(burst []byte) {
	for len(burst) > 0 {
		frame, consumed, err := parseBurst(burst)
		if err != nil {
			r.invalidBurst(err, len(burst))
			return
		}
		r.invalid = 0
		r.dispatch(frame)

		remaining := len(burst) - consumed
		if remaining < MinRescanLen {
			return
		}
		burst = burst[consumed:]
	}
}

func parseBurst(burst []byte) (frame []byte, consumed int, err error) {
	if len(burst) < burstHeaderLen {
		return nil, 0, ErrTruncated
	}
	if burst[4] != 0xAA || burst[5] != 0xAA || burst[6] != 0xAA || burst[7] != 0xAA {
		return nil, 0, ErrBadMagic
	}
	length := int(binary.LittleEndian.Uint16(burst[8:10]))
	if length < MinFrameLen {
		return nil, 0, ErrShortFrame
	}
	if len(burst) < burstHeaderLen+length {
		return nil, 0, ErrTruncated
	}
	consumed = burstHeaderLen + length + burstFooterLen
	if consumed > len(burst) {
		consumed = len(burst)
	}
	return burst[burstHeaderLen : burstHeaderLen+length], consumed, nil
}

func (r *Reassembler) dispatch(frame []byte) {
	if r.tap != nil {
		r.tap.Record(frame, false)
	}
	etherType := binary.BigEndian.Uint16(frame[etherTypeOffset : etherTypeOffset+2])
	h, ok := r.handlers[etherType]
	if !ok {
		r.stats.RecordEvent(stats.EventUnknownEtherType)
		log.WithField("ethertype", fmt.Sprintf("0x%04x", etherType)).Debug("Dropping frame with unhandled EtherType")
		return
	}
	h.HandleFrame(frame)
}

func (r *Reassembler) invalidBurst(cause error, size int) {
	r.invalid++
	r.stats.RecordEvent(stats.EventInvalidBurst)
	log.WithFields(log.Fields{
		"count":     r.invalid,
		"threshold": InvalidThreshold,
		"bytes":     size,
	}).WithError(cause).Warn("Invalid burst from transceiver")

	if r.invalid < InvalidThreshold {
		return
	}

	r.invalid = 0
	r.stats.RecordEvent(stats.EventTransceiverReset)
	log.Error("Resetting transceiver after repeated invalid bursts")
	if r.resetter != nil {
		if err := r.resetter.Reset(); err != nil {
			log.WithError(err).Error("Transceiver reset failed")
		}
	}
	if r.onReset != nil {
		r.onReset()
	}
}

// Encode wraps an Ethernet frame in the transmit burst framing:
// AA AA AA AA, length (LE), 00 00, frame, 55 55.
func Encode(frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(frame))
	}
	out := make([]byte, 0, 8+len(frame)+burstFooterLen)
	out = append(out, 0xAA, 0xAA, 0xAA, 0xAA)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(frame)))
	out = append(out, 0x00, 0x00)
	out = append(out, frame...)
	out = append(out, 0x55, 0x55)
	return out, nil
}

// WrapReceived builds the receive-side burst layout for a frame, as the
// transceiver presents it on a read. Used by the serial transport and replay.
func WrapReceived(frame []byte) []byte {
	out := make([]byte, 0, burstHeaderLen+len(frame)+burstFooterLen)
	out = binary.LittleEndian.AppendUint32(out, uint32(8+len(frame)+burstFooterLen))
	out = append(out, 0xAA, 0xAA, 0xAA, 0xAA)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(frame)))
	out = append(out, 0x00, 0x00)
	out = append(out, frame...)
	out = append(out, 0x55, 0x55)
	return out
}
