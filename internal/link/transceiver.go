package link

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/stats"
)

// Transceiver is the powerline modem driver boundary.
type Transceiver interface {
	// Transmit hands one burst-framed frame to the modem.
	Transmit(burst []byte) error
	// Reset performs a hardware reset of the modem.
	Reset() error
	// Bursts delivers raw receive bursts.
	Bursts() <-chan []byte
	Close() error
}

// Tap observes every frame crossing the link, e.g. a capture writer.
type Tap interface {
	Record(frame []byte, outbound bool)
}

// Sender frames outbound Ethernet frames and hands them to the transceiver.
type Sender struct {
	tx    Transceiver
	tap   Tap
	stats *stats.Collector
	mu    sync.Mutex
}

// NewSender creates a sender bound to tx.
func NewSender(tx Transceiver, collector *stats.Collector) *Sender {
	return &Sender{tx: tx, stats: collector}
}

// SetTap attaches a frame observer.
func (s *Sender) SetTap(tap Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = tap
}

// Send frames and transmits one Ethernet frame. Frames shorter than the
// link minimum are zero padded.
func (s *Sender) Send(frame []byte) error {
	if len(frame) < MinFrameLen {
		padded := make([]byte, MinFrameLen)
		copy(padded, frame)
		frame = padded
	}
	burst, err := Encode(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap != nil {
		s.tap.Record(frame, true)
	}
	if err := s.tx.Transmit(burst); err != nil {
		return fmt.Errorf("failed to transmit frame: %w", err)
	}
	return nil
}

// Loopback is an in-memory Transceiver. Transmitted bursts are kept for
// inspection and received bursts are injected by the caller.
type Loopback struct {
	bursts chan []byte
	sent   [][]byte
	resets int
	mu     sync.Mutex
}

// NewLoopback creates an in-memory transceiver.
func NewLoopback() *Loopback {
	return &Loopback{bursts: make(chan []byte, 256)}
}

// Transmit records the burst.
func (l *Loopback) Transmit(burst []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(burst))
	copy(cp, burst)
	l.sent = append(l.sent, cp)
	return nil
}

// Reset counts reset requests.
func (l *Loopback) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
	return nil
}

// Bursts returns the injected receive bursts.
func (l *Loopback) Bursts() <-chan []byte {
	return l.bursts
}

// Inject queues a receive burst.
func (l *Loopback) Inject(burst []byte) {
	select {
	case l.bursts <- burst:
	default:
		log.Warn("Loopback receive queue full, dropping burst")
	}
}

// Close is a no-op.
func (l *Loopback) Close() error { return nil }

// Frames returns the Ethernet frames transmitted so far, with burst framing removed.
func (l *Loopback) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	frames := make([][]byte, 0, len(l.sent))
	for _, b := range l.sent {
		if len(b) < 10 {
			continue
		}
		frames = append(frames, b[8:len(b)-burstFooterLen])
	}
	return frames
}

// TakeFrames returns the transmitted frames and clears the record.
func (l *Loopback) TakeFrames() [][]byte {
	frames := l.Frames()
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
	return frames
}

// Resets returns the number of reset requests.
func (l *Loopback) Resets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}
