// Package pcap records link frames to capture files and reads them back
// for replay.
package pcap

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const snapLen = 65536

// Writer records Ethernet frames in pcap format. It satisfies link.Tap.
type Writer struct {
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	count  int
	mu     sync.Mutex
}

// Create opens filename and writes the pcap file header.
func Create(filename string) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", filename, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	log.WithField("file", filename).Info("Capturing link frames")
	return w, nil
}

// NewWriter writes a capture to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: w, now: time.Now}, nil
}

// Record appends one frame. Direction is not stored in pcap; the parser
// derives it from the source address.
func (w *Writer) Record(frame []byte, outbound bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := w.w.WritePacket(ci, frame); err != nil {
		log.WithError(err).WithField("outbound", outbound).Warn("Failed to write capture frame")
		return
	}
	w.count++
}

// Count returns the number of frames written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file, if the writer owns one.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
