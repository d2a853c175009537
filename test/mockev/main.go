// Mock vehicle for end-to-end testing of the EVSE controller over host
// sockets. It discovers the charger with SDP, connects to the announced
// port and runs a DIN 70121 DC session with the bench codec.
//
// Usage:
//
//	go run ./test/mockev [--sdp 127.0.0.1:15118] [--host 127.0.0.1] [--loops 3]
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"evse-controller/internal/exi"
	"evse-controller/internal/v2gtp"
)


type mockEV struct {
	sdpAddr string
	host    string
	codec   *exi.CBORCodec
	conn    net.Conn
	session []byte

	stats struct {
		sent     int
		received int
	}
}

func newMockEV(sdpAddr, host string) (*mockEV, error) {
	codec, err := exi.NewCBORCodec()
	if err != nil {
		return nil, err
	}
	return &mockEV{sdpAddr: sdpAddr, host: host, codec: codec}, nil
}

// discover sends an SDP request for an unsecured TCP endpoint and returns
// the announced port.
func (ev *mockEV) discover() (int, error) {
	conn, err := net.Dial("udp", ev.sdpAddr)
	if err != nil {
		return 0, fmt.Errorf("dial sdp: %w", err)
	}
	defer conn.Close()

	req := v2gtp.Encode(v2gtp.PayloadSDPRequest, []byte{0x10, 0x00})
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := conn.Write(req); err != nil {
			return 0, fmt.Errorf("send sdp: %w", err)
		}
		log.Printf("→ SDP request attempt=%d", attempt)

		buf := make([]byte, 64)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}
		hdr, err := v2gtp.ParseHeader(buf[:n])
		if err != nil || hdr.PayloadType != v2gtp.PayloadSDPResponse || n < v2gtp.HeaderLen+20 {
			return 0, fmt.Errorf("bad sdp response")
		}
		body := buf[v2gtp.HeaderLen:n]
		port := int(binary.BigEndian.Uint16(body[16:18]))
		log.Printf("← SDP response ip=%s port=%d security=0x%02x", net.IP(body[0:16]), port, body[18])
		return port, nil
	}
	return 0, fmt.Errorf("no sdp response from %s", ev.sdpAddr)
}

func (ev *mockEV) send(exiData []byte) error {
	_ = ev.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := ev.conn.Write(v2gtp.Encode(v2gtp.PayloadEXI, exiData)); err != nil {
		return err
	}
	ev.stats.sent++
	return nil
}

func (ev *mockEV) receive() ([]byte, error) {
	_ = ev.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, v2gtp.HeaderLen)
	if _, err := io.ReadFull(ev.conn, hdr); err != nil {
		return nil, err
	}
	h, err := v2gtp.ParseHeader(hdr)
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(ev.conn, body); err != nil {
		return nil, err
	}
	ev.stats.received++
	return body, nil
}

func (ev *mockEV) negotiate() error {
	req, err := ev.codec.EncodeAppHand(&exi.AppHandDocument{SupportedAppProtocolReq: &exi.SupportedAppProtocolReq{
		AppProtocol: []exi.AppProtocol{{Namespace: exi.NamespaceDIN, VersionMajor: 2, SchemaID: 1, Priority: 1}},
	}})
	if err != nil {
		return err
	}
	if err := ev.send(req); err != nil {
		return err
	}
	data, err := ev.receive()
	if err != nil {
		return err
	}
	doc, err := ev.codec.DecodeAppHand(data)
	if err != nil {
		return err
	}
	if doc.SupportedAppProtocolRes == nil {
		return fmt.Errorf("no supportedAppProtocolRes")
	}
	log.Printf("← supportedAppProtocolRes code=%v", doc.SupportedAppProtocolRes.ResponseCode)
	return nil
}

// din sends one request and returns the decoded response.
func (ev *mockEV) din(name string, body exi.DINBody) (*exi.DINDocument, error) {
	data, err := ev.codec.EncodeDIN(&exi.DINDocument{
		Header: exi.MessageHeader{SessionID: ev.session},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("→ %s", name)
	if err := ev.send(data); err != nil {
		return nil, err
	}
	resp, err := ev.receive()
	if err != nil {
		return nil, err
	}
	doc, err := ev.codec.DecodeDIN(resp)
	if err != nil {
		return nil, err
	}
	if len(doc.Header.SessionID) > 0 {
		ev.session = doc.Header.SessionID
	}
	log.Printf("← %sRes", name[:len(name)-3])
	return doc, nil
}

func pv(unit exi.UnitSymbol, v float64) exi.PhysicalValue {
	return exi.NewPhysicalValue(unit, v)
}

func (ev *mockEV) run(loops int) error {
	port, err := ev.discover()
	if err != nil {
		return err
	}
	ev.conn, err = net.Dial("tcp", net.JoinHostPort(ev.host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ev.conn.Close()

	if err := ev.negotiate(); err != nil {
		return err
	}

	status := exi.DCEVStatus{EVReady: true, EVRESSSOC: 40}
	steps := []struct {
		name string
		body exi.DINBody
	}{
		{"SessionSetupReq", exi.DINBody{SessionSetupReq: &exi.SessionSetupReq{EVCCID: []byte{0x02, 0, 0, 0, 0, 0x02}}}},
		{"ServiceDiscoveryReq", exi.DINBody{ServiceDiscoveryReq: &exi.ServiceDiscoveryReq{}}},
		{"ServicePaymentSelectionReq", exi.DINBody{ServicePaymentSelectionReq: &exi.PaymentSelectionReq{SelectedPaymentOption: exi.PaymentExternal}}},
		{"ContractAuthenticationReq", exi.DINBody{ContractAuthenticationReq: &exi.AuthorizationReq{}}},
		{"ChargeParameterDiscoveryReq", exi.DINBody{ChargeParameterDiscoveryReq: &exi.ChargeParameterDiscoveryReq{
			RequestedEnergyTransferMode: exi.TransferDCExtended,
			DCEVChargeParameter:         &exi.DCEVChargeParameter{DCEVStatus: status},
		}}},
		{"CableCheckReq", exi.DINBody{CableCheckReq: &exi.CableCheckReq{}}},
		{"PreChargeReq", exi.DINBody{PreChargeReq: &exi.PreChargeReq{
			EVTargetVoltage: pv(exi.UnitVolt, 380),
			EVTargetCurrent: pv(exi.UnitAmpere, 2),
		}}},
		{"PowerDeliveryReq", exi.DINBody{PowerDeliveryReq: &exi.DINPowerDeliveryReq{ReadyToChargeState: true}}},
	}
	for _, s := range steps {
		if _, err := ev.din(s.name, s.body); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	for i := 0; i < loops; i++ {
		doc, err := ev.din("CurrentDemandReq", exi.DINBody{CurrentDemandReq: &exi.CurrentDemandReq{
			DCEVStatus:      status,
			EVTargetVoltage: pv(exi.UnitVolt, 400),
			EVTargetCurrent: pv(exi.UnitAmpere, 50),
		}})
		if err != nil {
			return fmt.Errorf("CurrentDemandReq: %w", err)
		}
		if res := doc.Body.CurrentDemandRes; res != nil {
			log.Printf("   present %.1fV %.1fA", res.EVSEPresentVoltage.Float(), res.EVSEPresentCurrent.Float())
		}
		time.Sleep(200 * time.Millisecond)
	}

	if _, err := ev.din("PowerDeliveryReq", exi.DINBody{PowerDeliveryReq: &exi.DINPowerDeliveryReq{ReadyToChargeState: false}}); err != nil {
		return err
	}
	if _, err := ev.din("SessionStopReq", exi.DINBody{SessionStopReq: &exi.SessionStopReq{}}); err != nil {
		return err
	}
	return nil
}

func main() {
	sdpAddr := flag.String("sdp", "127.0.0.1:15118", "SDP server address")
	host := flag.String("host", "127.0.0.1", "Host of the HLC endpoint")
	loops := flag.Int("loops", 3, "Number of CurrentDemand cycles")
	flag.Parse()

	ev, err := newMockEV(*sdpAddr, *host)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := ev.run(*loops); err != nil {
		log.Printf("session failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Session complete: sent=%d received=%d", ev.stats.sent, ev.stats.received)
}
