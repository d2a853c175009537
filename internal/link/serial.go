package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialTransceiver drives a modem in UART mode. The UART carries the same
// AA AA AA AA / 55 55 framing as the SPI burst interface.
type SerialTransceiver struct {
	port   serial.Port
	bursts chan []byte
	mu     sync.Mutex
}

// OpenSerial opens the modem's UART.
func OpenSerial(portName string, baudRate int) (*SerialTransceiver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialTransceiver{
		port:   port,
		bursts: make(chan []byte, 64),
	}, nil
}

// Start begins reading the UART in a goroutine.
func (s *SerialTransceiver) Start(ctx context.Context) {
	go s.listen(ctx)
}

// Bursts returns the channel of received bursts.
func (s *SerialTransceiver) Bursts() <-chan []byte {
	return s.bursts
}

// Transmit writes a framed burst to the UART.
func (s *SerialTransceiver) Transmit(burst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.port.Write(burst); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

// Reset pulses DTR, which is wired to the modem's reset line.
func (s *SerialTransceiver) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.SetDTR(false); err != nil {
		return fmt.Errorf("failed to assert modem reset: %w", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.port.SetDTR(true); err != nil {
		return fmt.Errorf("failed to release modem reset: %w", err)
	}
	return s.port.ResetInputBuffer()
}

// Close closes the port.
func (s *SerialTransceiver) Close() error {
	return s.port.Close()
}

func (s *SerialTransceiver) listen(ctx context.Context) {
	defer close(s.bursts)

	reader := NewStreamReader(s.port)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return
			}
			log.WithError(err).Warn("Error reading modem UART")
			continue
		}

		select {
		case s.bursts <- WrapReceived(frame):
		case <-ctx.Done():
			return
		}
	}
}

// StreamReader extracts frames from a byte stream using the burst framing.
type StreamReader struct {
	r *bufio.Reader
}

// NewStreamReader wraps r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next frame, resynchronising on the start-of-frame magic.
func (sr *StreamReader) Next() ([]byte, error) {
	magic := 0
	for magic < 4 {
		b, err := sr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xAA {
			magic++
		} else {
			magic = 0
		}
	}

	var hdr [4]byte
	if _, err := io.ReadFull(sr.r, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(hdr[0:2]))
	if length > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, length)
	}

	body := make([]byte, length+burstFooterLen)
	if _, err := io.ReadFull(sr.r, body); err != nil {
		return nil, err
	}
	if body[length] != 0x55 || body[length+1] != 0x55 {
		return nil, fmt.Errorf("missing end-of-frame marker")
	}
	return body[:length], nil
}
