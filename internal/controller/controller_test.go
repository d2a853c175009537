package controller

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evse-controller/internal/clock"
	"evse-controller/internal/dcpower"
	"evse-controller/internal/exi"
	"evse-controller/internal/hlc"
	"evse-controller/internal/link"
	"evse-controller/internal/pilot"
	"evse-controller/internal/slac"
	"evse-controller/internal/stats"
	"evse-controller/internal/store"
	"evse-controller/internal/telemetry"
	"evse-controller/internal/v2gtp"
	"evse-controller/pkg/types"
)

const dinNamespace = "urn:din:70121:2012:MsgDef"

var evseMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(e telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type captureTransport struct {
	frames [][]byte
}

func (t *captureTransport) Send(p []byte) error {
	t.frames = append(t.frames, append([]byte(nil), p...))
	return nil
}

func (t *captureTransport) Reset() {}

// powerCalls records the order of output-affecting commands.
type powerCalls struct {
	calls []string
}

func (r *powerCalls) record(c string) { r.calls = append(r.calls, c) }

func (r *powerCalls) take() []string {
	c := r.calls
	r.calls = nil
	return c
}

type orderedPower struct {
	*dcpower.Simulated
	log *powerCalls
}

func (p orderedPower) EnableOutput(on bool) {
	if on {
		p.log.record("enable_output")
	} else {
		p.log.record("disable_output")
	}
	p.Simulated.EnableOutput(on)
}

func (p orderedPower) SetTargets(voltage, current float64) {
	if voltage == 0 && current == 0 {
		p.log.record("zero_targets")
	} else {
		p.log.record("set_targets")
	}
	p.Simulated.SetTargets(voltage, current)
}

type orderedPilot struct {
	*pilot.Simulated
	log *powerCalls
}

func (p orderedPilot) SetContactor(on bool) bool {
	if on {
		p.log.record("close_contactor")
	} else {
		p.log.record("open_contactor")
	}
	return p.Simulated.SetContactor(on)
}

type fixture struct {
	t     *testing.T
	c     *Controller
	tx    *link.Loopback
	clock *clock.Manual
	pilot *pilot.Simulated
	power *dcpower.Simulated
	stats *stats.Collector
	pub   *recordingPublisher
	store *store.MemoryStore
	codec *exi.CBORCodec
	hlcTx *captureTransport
	calls *powerCalls
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := exi.NewCBORCodec()
	require.NoError(t, err)
	f := &fixture{
		t:     t,
		tx:    link.NewLoopback(),
		clock: clock.NewManual(1000),
		pilot: pilot.NewSimulated(pilot.DefaultThresholds(), pilot.DefaultDemoteSamples),
		power: dcpower.NewSimulated(dcpower.DefaultVoltageRamp, dcpower.DefaultCurrentRamp, dcpower.DefaultTickMs),
		stats: stats.NewCollector(),
		pub:   &recordingPublisher{},
		store: store.NewMemoryStore(0),
		codec: codec,
		hlcTx: &captureTransport{},
		calls: &powerCalls{},
	}
	f.c = New(Config{MAC: evseMAC, HLC: hlc.DefaultConfig()}, Deps{
		Transceiver: f.tx,
		Codec:       codec,
		Pilot:       orderedPilot{Simulated: f.pilot, log: f.calls},
		Power:       orderedPower{Simulated: f.power, log: f.calls},
		Clock:       f.clock,
		Stats:       f.stats,
		Publisher:   f.pub,
		Store:       f.store,
	})
	return f
}

func (f *fixture) feed(exiData []byte) {
	f.c.Do(func() {
		f.c.Engine().Receive(v2gtp.Encode(v2gtp.PayloadEXI, exiData))
	})
}

func (f *fixture) sessionID() []byte {
	var id []byte
	f.c.Do(func() {
		s := f.c.Engine().Session()
		if s.HasID {
			id = append([]byte(nil), s.ID[:]...)
		}
	})
	return id
}

func (f *fixture) din(body exi.DINBody) {
	f.t.Helper()
	data, err := f.codec.EncodeDIN(&exi.DINDocument{
		Header: exi.MessageHeader{SessionID: f.sessionID()},
		Body:   body,
	})
	require.NoError(f.t, err)
	f.feed(data)
}

// startCharging drives a DIN session over a socket-style transport until
// the output is enabled.
func (f *fixture) startCharging() {
	f.t.Helper()
	f.pilot.SetState(types.CPStateC)
	f.c.Do(func() {
		f.c.Engine().SetTransport(f.hlcTx)
		f.c.Engine().Connected()
	})

	appHand, err := f.codec.EncodeAppHand(&exi.AppHandDocument{SupportedAppProtocolReq: &exi.SupportedAppProtocolReq{
		AppProtocol: []exi.AppProtocol{{Namespace: dinNamespace, VersionMajor: 2, SchemaID: 1, Priority: 1}},
	}})
	require.NoError(f.t, err)
	f.feed(appHand)

	f.din(exi.DINBody{SessionSetupReq: &exi.SessionSetupReq{EVCCID: []byte{0x02, 0, 0, 0, 0, 0x02}}})
	f.din(exi.DINBody{ServiceDiscoveryReq: &exi.ServiceDiscoveryReq{}})
	f.din(exi.DINBody{ServicePaymentSelectionReq: &exi.PaymentSelectionReq{SelectedPaymentOption: exi.PaymentExternal}})
	f.din(exi.DINBody{ContractAuthenticationReq: &exi.AuthorizationReq{}})
	f.din(exi.DINBody{ChargeParameterDiscoveryReq: &exi.ChargeParameterDiscoveryReq{
		RequestedEnergyTransferMode: exi.TransferDCExtended,
		DCEVChargeParameter:         &exi.DCEVChargeParameter{DCEVStatus: exi.DCEVStatus{EVReady: true, EVRESSSOC: 55}},
	}})
	f.din(exi.DINBody{CableCheckReq: &exi.CableCheckReq{}})
	f.din(exi.DINBody{PreChargeReq: &exi.PreChargeReq{
		EVTargetVoltage: exi.NewPhysicalValue(exi.UnitVolt, 380),
		EVTargetCurrent: exi.NewPhysicalValue(exi.UnitAmpere, 2),
	}})
	f.din(exi.DINBody{PowerDeliveryReq: &exi.DINPowerDeliveryReq{ReadyToChargeState: true}})

	f.c.Tick()
	require.True(f.t, f.power.Enabled())
	require.Equal(f.t, hlc.WaitCurrentDemand, f.c.Engine().State())
}

func TestController_BringUpConfiguresModem(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.c.Tick()
	}
	assert.Equal(t, slac.StateSetKeyCnf, f.c.Slac().State())

	frames := f.tx.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "CM_SET_KEY.REQ", slac.MMTypeName(slac.MMType(frames[0])))
	assert.Contains(t, f.pub.types(), telemetry.EventSlacState)
}

func TestController_CPDisconnectStopsCharging(t *testing.T) {
	f := newFixture(t)
	f.startCharging()
	assert.True(t, f.pilot.ContactorClosed())
	f.calls.take()

	f.pilot.SetState(types.CPStateA)
	f.c.Tick()

	assert.Equal(t, []string{"zero_targets", "disable_output", "open_contactor"}, f.calls.take(),
		"output stops once, targets first and contactor last")
	assert.False(t, f.power.Enabled())
	assert.False(t, f.pilot.ContactorClosed())
	assert.False(t, f.c.Engine().ChargingActive())
	assert.Equal(t, hlc.WaitSupportedAppProtocol, f.c.Engine().State())
	assert.Equal(t, uint64(1), f.stats.Event(stats.EventCPDisconnect))

	f.c.WaitSaves()
	recs, err := f.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cp disconnect", recs[0].Reason)
	assert.Equal(t, "DIN70121", recs[0].Protocol)
	assert.True(t, recs[0].Charged)
	assert.Equal(t, int8(55), recs[0].EVSOC)

	got := f.pub.types()
	assert.Contains(t, got, telemetry.EventCPState)
	assert.Contains(t, got, telemetry.EventHLCState)
	assert.Contains(t, got, telemetry.EventChargingStarted)
	assert.Contains(t, got, telemetry.EventLimits)
	assert.Contains(t, got, telemetry.EventChargingStopped)
	assert.Contains(t, got, telemetry.EventSessionEnd)
}

func TestController_DisconnectWithoutChargingKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.pilot.SetState(types.CPStateB)
	f.c.Do(func() {
		f.c.Engine().SetTransport(f.hlcTx)
		f.c.Engine().Connected()
	})
	f.pilot.SetState(types.CPStateA)
	f.c.Tick()
	assert.Equal(t, uint64(0), f.stats.Event(stats.EventCPDisconnect))
}

func TestController_InvalidBurstsResetLink(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.c.Tick()
	}
	require.Equal(t, slac.StateSetKeyCnf, f.c.Slac().State())

	for i := 0; i < link.InvalidThreshold; i++ {
		f.tx.Inject(make([]byte, 80))
	}
	f.c.Tick()

	assert.Equal(t, 1, f.tx.Resets())
	assert.Equal(t, uint64(1), f.stats.Event(stats.EventTransceiverReset))
	assert.Equal(t, slac.StateWriteSpace, f.c.Slac().State())
}

func TestController_Status(t *testing.T) {
	f := newFixture(t)
	f.c.Tick()
	st := f.c.Status()
	assert.Equal(t, "A", st.CPState)
	assert.Equal(t, "WriteSpace", st.SlacState)
	assert.Equal(t, "Closed", st.TCPState)
	assert.Equal(t, hlc.WaitSupportedAppProtocol.String(), st.HLCState)
	assert.False(t, st.ChargingActive)
	assert.False(t, st.TLSReady)
	assert.Empty(t, st.PevMAC)
	assert.Same(t, f.stats, f.c.Stats())
}

func TestController_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
