package pcap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"evse-controller/internal/link"
	"evse-controller/internal/slac"
	"evse-controller/pkg/types"
)

const (
	ethHeaderLen = 14
	// sdpPort is the UDP port of SECC discovery.
	sdpPort = 15118
)

// Parser reads capture files of link frames.
type Parser struct{}

// NewParser creates a new capture parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads an Ethernet capture and returns every frame in order.
func (p *Parser) Parse(filename string) ([]types.RawFrame, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	defer f.Close()
	return p.Read(f)
}

// Read parses a capture stream.
func (p *Parser) Read(in io.Reader) ([]types.RawFrame, error) {
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s", r.LinkType())
	}

	var frames []types.RawFrame
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frames, fmt.Errorf("failed to read frame %d: %w", len(frames)+1, err)
		}
		if len(data) < ethHeaderLen {
			log.WithField("packet", len(frames)+1).Warn("Skipping truncated frame")
			continue
		}
		frame := types.RawFrame{
			Data:      data,
			Timestamp: ci.Timestamp,
			EtherType: uint16(data[12])<<8 | uint16(data[13]),
			DstMAC:    net.HardwareAddr(append([]byte(nil), data[0:6]...)),
			SrcMAC:    net.HardwareAddr(append([]byte(nil), data[6:12]...)),
		}
		frames = append(frames, frame)
		log.WithFields(log.Fields{
			"packet": len(frames),
			"kind":   Classify(data),
		}).Debug("Read frame")
	}

	log.WithField("total_packets", len(frames)).Info("PCAP parsing complete")
	return frames, nil
}

// CountMessages returns how many frames of each kind a capture holds.
func (p *Parser) CountMessages(filename string) (map[string]int, error) {
	frames, err := p.Parse(filename)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, f := range frames {
		counts[Classify(f.Data)]++
	}
	return counts, nil
}

// Inbound returns the frames not sent by local, i.e. those to replay.
func Inbound(frames []types.RawFrame, local net.HardwareAddr) []types.RawFrame {
	var out []types.RawFrame
	for _, f := range frames {
		if f.SrcMAC.String() != local.String() {
			out = append(out, f)
		}
	}
	return out
}

// Classify names the protocol message carried by an Ethernet frame.
func Classify(frame []byte) string {
	if len(frame) >= ethHeaderLen && uint16(frame[12])<<8|uint16(frame[13]) == link.EtherTypeHomePlug {
		return "SLAC " + slac.MMTypeName(slac.MMType(frame))
	}

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if l := packet.Layer(layers.LayerTypeICMPv6); l != nil {
		icmp := l.(*layers.ICMPv6)
		return "ICMPv6 " + icmp.TypeCode.String()
	}
	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		if udp.DstPort == sdpPort || udp.SrcPort == sdpPort {
			return "SDP"
		}
		return "UDP"
	}
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		switch {
		case tcp.SYN:
			return "TCP SYN"
		case tcp.FIN:
			return "TCP FIN"
		case tcp.RST:
			return "TCP RST"
		case len(tcp.Payload) > 0:
			return "V2GTP"
		default:
			return "TCP ACK"
		}
	}
	if packet.Layer(layers.LayerTypeIPv6) != nil {
		return "IPv6"
	}
	return "Other"
}
