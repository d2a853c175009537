//go:build ignore

// This program generates a sample vehicle-side capture for replay tests:
// modem confirmation, a full SLAC exchange and IPv6 discovery traffic.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const minFrame = 60

func main() {
	filename := "test/testdata/sample.pcap"
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	f, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		panic(err)
	}

	evseMAC, _ := net.ParseMAC("02:00:00:00:00:01")
	modemMAC, _ := net.ParseMAC("00:b0:52:00:00:01")
	pevModemMAC, _ := net.ParseMAC("00:b0:52:00:00:02")
	pevMAC, _ := net.ParseMAC("02:00:00:00:00:02")
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	runID := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	ts := time.Now()
	count := 0
	write := func(data []byte, gap time.Duration) {
		ts = ts.Add(gap)
		if len(data) < minFrame {
			data = append(data, make([]byte, minFrame-len(data))...)
		}
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			panic(fmt.Sprintf("failed to write packet: %v", err))
		}
		count++
	}

	// Helper to build a HomePlug management frame of the given length.
	mme := func(dst, src net.HardwareAddr, mmtype uint16, length int) []byte {
		buf := make([]byte, length)
		copy(buf[0:6], dst)
		copy(buf[6:12], src)
		buf[12], buf[13] = 0x88, 0xE1
		buf[14] = 0x01
		binary.LittleEndian.PutUint16(buf[15:17], mmtype)
		return buf
	}

	// CM_SET_KEY.CNF from the local modem.
	setKey := mme(evseMAC, modemMAC, 0x6009, minFrame)
	setKey[19] = 0x01
	write(setKey, 50*time.Millisecond)

	// CM_SLAC_PARAM.REQ: 3 sounds, 600 ms window.
	param := mme(broadcast, pevMAC, 0x6064, minFrame)
	copy(param[21:29], runID)
	param[25] = 3
	param[26] = 0x06
	write(param, 500*time.Millisecond)

	// CM_START_ATTEN_CHAR.IND, then sounds with their attenuation profiles.
	write(mme(broadcast, pevMAC, 0x606A, minFrame), 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		write(mme(broadcast, pevMAC, 0x6076, minFrame), 20*time.Millisecond)
		profile := mme(evseMAC, modemMAC, 0x6086, 85)
		copy(profile[19:25], pevMAC)
		profile[25] = 58
		for g := 0; g < 58; g++ {
			profile[27+g] = byte(20 + g%10 + i)
		}
		write(profile, 5*time.Millisecond)
	}

	// CM_ATTEN_CHAR.RSP accepting the characterization.
	rsp := mme(evseMAC, pevMAC, 0x606F, 70)
	copy(rsp[21:27], pevMAC)
	copy(rsp[27:35], runID)
	write(rsp, 40*time.Millisecond)

	// CM_SLAC_MATCH.REQ.
	match := mme(evseMAC, pevMAC, 0x607C, 77)
	binary.LittleEndian.PutUint16(match[21:23], 0x003E)
	copy(match[40:46], pevMAC)
	copy(match[69:77], runID)
	write(match, 30*time.Millisecond)

	// VS_GET_SW.CNF from both modems.
	write(mme(evseMAC, modemMAC, 0xA001, minFrame), 20*time.Millisecond)
	write(mme(evseMAC, pevModemMAC, 0xA001, minFrame), 5*time.Millisecond)

	// IPv6 traffic from the vehicle's link-local address.
	pevIP := linkLocal(pevMAC)
	evseIP := linkLocal(evseMAC)
	allNodes := net.ParseIP("ff02::1")

	ip6 := func(dst net.IP, next layers.IPProtocol) *layers.IPv6 {
		return &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: next, SrcIP: pevIP, DstIP: dst}
	}
	serialize := func(dstMAC net.HardwareAddr, ls ...gopacket.SerializableLayer) []byte {
		eth := &layers.Ethernet{SrcMAC: pevMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{eth}, ls...)...); err != nil {
			panic(fmt.Sprintf("failed to serialize: %v", err))
		}
		return buf.Bytes()
	}

	// Neighbor solicitation for the charger's address.
	nsIP := ip6(evseIP, layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	icmp.SetNetworkLayerForChecksum(nsIP)
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: evseIP,
		Options: layers.ICMPv6Options{{
			Type: layers.ICMPv6OptSourceAddress,
			Data: pevMAC,
		}},
	}
	write(serialize(evseMAC, nsIP, icmp, ns), 100*time.Millisecond)

	// SDP request for an unsecured TCP endpoint.
	sdpIP := ip6(allNodes, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 50000, DstPort: 15118}
	udp.SetNetworkLayerForChecksum(sdpIP)
	sdp := []byte{0x01, 0xFE, 0x90, 0x00, 0x00, 0x00, 0x00, 0x02, 0x10, 0x00}
	write(serialize(net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}, sdpIP, udp, gopacket.Payload(sdp)), 50*time.Millisecond)

	// TCP SYN to the announced port.
	synIP := ip6(evseIP, layers.IPProtocolTCP)
	syn := &layers.TCP{SrcPort: 50001, DstPort: 15118, Seq: 1000, SYN: true, Window: 4096}
	syn.SetNetworkLayerForChecksum(synIP)
	write(serialize(evseMAC, synIP, syn), 50*time.Millisecond)

	fmt.Printf("Generated %s with %d frames\n", filename, count)
}

// linkLocal derives the EUI-64 link-local address of mac.
func linkLocal(mac net.HardwareAddr) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xfe, 0x80
	ip[8] = mac[0] ^ 0x02
	ip[9], ip[10] = mac[1], mac[2]
	ip[11], ip[12] = 0xff, 0xfe
	ip[13], ip[14], ip[15] = mac[3], mac[4], mac[5]
	return ip
}
