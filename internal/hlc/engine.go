package hlc

import (
	"crypto/rand"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
	"evse-controller/internal/exi"
	"evse-controller/internal/session"
	"evse-controller/internal/stats"
	"evse-controller/internal/v2gtp"
	"evse-controller/internal/watchdog"
	"evse-controller/pkg/types"
)

const (
	DefaultEVSEID             = "DE*JOULEPOINT*EVSE*0001"
	DefaultServiceName        = "DC Charging"
	DefaultMaxVoltage         = 500.0
	DefaultMaxCurrent         = 125.0
	DefaultMaxPowerKW         = 50.0
	DefaultPeakCurrentRipple  = 2.0
	DefaultWatchdogTimeoutMs  = 4000
	DefaultWatchdogMaxRetries = 3

	genChallengeLen = 16
)

// Transport carries encoded V2GTP frames to the vehicle.
type Transport interface {
	Send(payload []byte) error
	// Reset tears the connection down without calling back into the engine.
	Reset()
}

// Config holds the charger identity and limits advertised to the vehicle.
type Config struct {
	EVSEID             string
	ServiceName        string
	MaxVoltage         float64
	MaxCurrent         float64
	MaxPowerKW         float64
	PeakCurrentRipple  float64
	WatchdogTimeoutMs  uint32
	WatchdogMaxRetries int
}

// DefaultConfig returns the stock charger profile.
func DefaultConfig() Config {
	return Config{
		EVSEID:             DefaultEVSEID,
		ServiceName:        DefaultServiceName,
		MaxVoltage:         DefaultMaxVoltage,
		MaxCurrent:         DefaultMaxCurrent,
		MaxPowerKW:         DefaultMaxPowerKW,
		PeakCurrentRipple:  DefaultPeakCurrentRipple,
		WatchdogTimeoutMs:  DefaultWatchdogTimeoutMs,
		WatchdogMaxRetries: DefaultWatchdogMaxRetries,
	}
}

// Session is the protocol state of one charging session.
type Session struct {
	Protocol             Protocol
	State                State
	ID                   session.ID
	HasID                bool
	EVCCID               []byte
	ChargingActive       bool
	PaymentOption        exi.PaymentOption
	ExpectPaymentDetails bool
	PaymentDetailsDone   bool
	EVSOC                int8
	StartedAt            time.Time
}

// Engine runs the HLC state machine for one link. It implements
// tcp.Application. It is not safe for concurrent use; callers serialize
// access.
type Engine struct {
	cfg       Config
	codec     exi.Codec
	pilot     types.ControlPilot
	power     types.DCPower
	isolation types.IsolationMonitor
	ids       *session.IDGenerator
	clock     clock.Clock
	wallClock func() time.Time
	rand      io.Reader
	stats     *stats.Collector
	watchdog  *watchdog.Watchdog
	transport Transport

	rx        v2gtp.Reassembler
	dialect   Dialect
	sess      Session
	charged   bool
	completed bool

	onStateChange func(from, to State)
	onSessionEnd  func(rec types.SessionRecord)
}

// NewEngine creates an engine waiting for SupportedAppProtocolReq.
func NewEngine(cfg Config, codec exi.Codec, pilot types.ControlPilot, power types.DCPower, clk clock.Clock, collector *stats.Collector) *Engine {
	return &Engine{
		cfg:       cfg,
		codec:     codec,
		pilot:     pilot,
		power:     power,
		isolation: types.AlwaysValid{},
		ids:       session.NewIDGenerator("random", 0, nil),
		clock:     clk,
		wallClock: time.Now,
		rand:      rand.Reader,
		stats:     collector,
		watchdog:  watchdog.New(cfg.WatchdogTimeoutMs, cfg.WatchdogMaxRetries),
	}
}

// SetTransport selects where responses go. The micro-stack and the socket
// listeners register themselves when a connection comes up.
func (e *Engine) SetTransport(t Transport) { e.transport = t }

// Transport returns the active transport.
func (e *Engine) Transport() Transport { return e.transport }

// SetIsolationMonitor replaces the isolation source used by CableCheck.
func (e *Engine) SetIsolationMonitor(m types.IsolationMonitor) { e.isolation = m }

// SetIDGenerator replaces the session ID source.
func (e *Engine) SetIDGenerator(g *session.IDGenerator) { e.ids = g }

// SetRandom replaces the source of GenChallenge bytes.
func (e *Engine) SetRandom(r io.Reader) { e.rand = r }

// SetWallClock replaces the time source used for timestamps and records.
func (e *Engine) SetWallClock(fn func() time.Time) { e.wallClock = fn }

// OnStateChange registers a callback for state transitions.
func (e *Engine) OnStateChange(fn func(from, to State)) { e.onStateChange = fn }

// OnSessionEnd registers a callback invoked with the summary of every
// session that got an ID.
func (e *Engine) OnSessionEnd(fn func(rec types.SessionRecord)) { e.onSessionEnd = fn }

// State returns the current state.
func (e *Engine) State() State { return e.sess.State }

// Protocol returns the negotiated protocol.
func (e *Engine) Protocol() Protocol { return e.sess.Protocol }

// ChargingActive reports whether the DC output is meant to be energized.
func (e *Engine) ChargingActive() bool { return e.sess.ChargingActive }

// Session returns a copy of the session state.
func (e *Engine) Session() Session {
	s := e.sess
	s.EVCCID = append([]byte(nil), e.sess.EVCCID...)
	return s
}

// Watchdog exposes the per-state watchdog.
func (e *Engine) Watchdog() *watchdog.Watchdog { return e.watchdog }

// Connected arms the watchdog for the protocol handshake.
func (e *Engine) Connected() {
	e.rx.Reset()
	e.arm(WaitSupportedAppProtocol)
	log.WithField("state", e.sess.State.String()).Debug("HLC transport connected")
}

// Reset ends the session after the transport went away.
func (e *Engine) Reset() {
	e.Abort("transport closed")
}

// Abort stops power output, drops buffered bytes and returns to the initial
// state.
func (e *Engine) Abort(reason string) {
	e.rx.Reset()
	e.watchdog.Clear()
	e.resetSession(reason)
}

// Receive feeds stream bytes from the transport.
func (e *Engine) Receive(payload []byte) {
	if err := e.rx.Write(payload); err != nil {
		e.framingError(err)
		return
	}
	for {
		frame, err := e.rx.Next()
		if err != nil {
			e.framingError(err)
			return
		}
		if frame == nil {
			return
		}
		e.process(frame)
	}
}

// Tick runs the watchdog.
func (e *Engine) Tick(now uint32) {
	switch e.watchdog.Check(now) {
	case watchdog.Timeout:
		e.stats.RecordEvent(stats.EventWatchdogTimeout)
		e.stats.RecordTimeout(e.sess.State.String())
		log.WithFields(log.Fields{
			"state":   e.sess.State.String(),
			"retries": e.watchdog.Retries(),
		}).Warn("HLC watchdog timeout, resetting session")
		e.resetSession("watchdog timeout")
		e.watchdog.Start(int(WaitSupportedAppProtocol), now)
	case watchdog.Fatal:
		e.stats.RecordEvent(stats.EventWatchdogFatal)
		e.stats.RecordTimeout(e.sess.State.String())
		log.WithFields(log.Fields{
			"state":   e.sess.State.String(),
			"retries": e.watchdog.Retries(),
		}).Error("HLC watchdog retries exhausted, resetting transport")
		e.resetSession("watchdog retries exhausted")
		e.rx.Reset()
		e.watchdog.Clear()
		if e.transport != nil {
			e.transport.Reset()
		}
	}
}

func (e *Engine) framingError(err error) {
	e.stats.RecordEvent(stats.EventV2GTPError)
	log.WithError(err).Warn("Invalid V2GTP stream, resetting session")
	e.watchdog.Clear()
	e.resetSession("v2gtp framing error")
}

func (e *Engine) process(frame []byte) {
	if e.sess.State == WaitSupportedAppProtocol || e.dialect == nil {
		e.handleSupportedAppProtocol(frame)
		return
	}
	start := time.Now()
	req, err := e.dialect.DecodeRequest(frame)
	if err != nil {
		e.stats.RecordEvent(stats.EventDecodeError)
		log.WithError(err).WithFields(log.Fields{
			"protocol": e.sess.Protocol.String(),
			"state":    e.sess.State.String(),
		}).Warn("Failed to decode EXI request")
		return
	}
	name := req.Kind.String() + "Req"
	e.stats.RecordReceived(name)
	if e.dispatch(req) {
		e.stats.RecordSuccess(name, time.Since(start))
	}
}

// negotiate picks DIN when offered, otherwise ISO-2.
func negotiate(offered []exi.AppProtocol) (Protocol, uint8, bool) {
	for _, p := range offered {
		if strings.Contains(p.Namespace, ":din:70121:") {
			return ProtocolDIN, p.SchemaID, true
		}
	}
	for _, p := range offered {
		if strings.Contains(p.Namespace, ":iso:15118:2") {
			return ProtocolISO2, p.SchemaID, true
		}
	}
	return ProtocolNone, 0, false
}

func (e *Engine) handleSupportedAppProtocol(frame []byte) {
	doc, err := e.codec.DecodeAppHand(frame)
	if err != nil || doc.SupportedAppProtocolReq == nil {
		e.stats.RecordEvent(stats.EventDecodeError)
		log.WithError(err).Warn("Expected SupportedAppProtocolReq")
		return
	}
	e.stats.RecordReceived("SupportedAppProtocolReq")

	protocol, schemaID, ok := negotiate(doc.SupportedAppProtocolReq.AppProtocol)
	res := &exi.SupportedAppProtocolRes{ResponseCode: exi.AppHandFailedNoNegotiation}
	if ok {
		res.ResponseCode = exi.AppHandOKSuccessfulNegotiation
		res.SchemaID = &schemaID
	}
	data, err := e.codec.EncodeAppHand(&exi.AppHandDocument{SupportedAppProtocolRes: res})
	if err != nil {
		e.stats.RecordFailure("SupportedAppProtocolRes")
		log.WithError(err).Error("Failed to encode SupportedAppProtocolRes")
		return
	}
	if !e.send(data, "SupportedAppProtocolRes") {
		return
	}
	if !ok {
		log.WithField("offered", len(doc.SupportedAppProtocolReq.AppProtocol)).Warn("No supported application protocol offered")
		return
	}

	dialect, err := NewDialect(protocol, e.codec)
	if err != nil {
		log.WithError(err).Error("Failed to select dialect")
		return
	}
	e.dialect = dialect
	e.sess.Protocol = protocol
	log.WithFields(log.Fields{
		"protocol":  protocol.String(),
		"schema_id": schemaID,
	}).Info("Application protocol negotiated")
	e.advance(WaitSessionSetup)
}

// respond encodes and sends a response under the current session ID.
func (e *Engine) respond(resp Response) bool {
	if e.sess.HasID {
		resp.SessionID = append([]byte(nil), e.sess.ID[:]...)
	}
	name := resp.Kind.String() + "Res"
	data, err := e.dialect.EncodeResponse(resp)
	if err != nil {
		e.stats.RecordFailure(name)
		log.WithError(err).WithField("message", name).Error("Failed to encode response")
		return false
	}
	return e.send(data, name)
}

func (e *Engine) send(exiData []byte, name string) bool {
	if e.transport == nil {
		e.stats.RecordFailure(name)
		log.WithField("message", name).Warn("No HLC transport, dropping response")
		return false
	}
	if err := e.transport.Send(v2gtp.Encode(v2gtp.PayloadEXI, exiData)); err != nil {
		e.stats.RecordFailure(name)
		log.WithError(err).WithField("message", name).Warn("Failed to send response")
		return false
	}
	e.stats.RecordSent(name)
	return true
}

func (e *Engine) setState(next State) {
	if next == e.sess.State {
		return
	}
	prev := e.sess.State
	e.sess.State = next
	log.WithFields(log.Fields{
		"from":     prev.String(),
		"state":    next.String(),
		"protocol": e.sess.Protocol.String(),
	}).Debug("HLC state change")
	if e.onStateChange != nil {
		e.onStateChange(prev, next)
	}
}

// advance moves to next and restarts the watchdog for it. Progress clears
// earlier expiries.
func (e *Engine) advance(next State) {
	e.setState(next)
	e.arm(next)
}

func (e *Engine) arm(next State) {
	e.watchdog.Clear()
	e.watchdog.Start(int(next), e.clock.NowMillis())
}

// stopPowerOutput de-energizes in a fixed order: targets, output, contactor.
func (e *Engine) stopPowerOutput() {
	e.sess.ChargingActive = false
	e.power.SetTargets(0, 0)
	e.power.EnableOutput(false)
	e.pilot.SetContactor(false)
}

func (e *Engine) resetSession(reason string) {
	prev := e.sess
	e.stopPowerOutput()

	if prev.HasID {
		if !e.completed {
			e.stats.RecordSessionFailed()
		}
		e.ids.Release(prev.ID)
		if e.onSessionEnd != nil {
			e.onSessionEnd(types.SessionRecord{
				SessionID:  prev.ID.String(),
				Protocol:   prev.Protocol.String(),
				StartedAt:  prev.StartedAt,
				EndedAt:    e.wallClock(),
				FinalState: prev.State.String(),
				Reason:     reason,
				EVSOC:      prev.EVSOC,
				Charged:    e.charged,
			})
		}
	}

	e.dialect = nil
	e.charged = false
	e.completed = false
	e.sess = Session{State: prev.State}
	e.setState(WaitSupportedAppProtocol)

	log.WithFields(log.Fields{
		"reason":   reason,
		"protocol": prev.Protocol.String(),
		"state":    prev.State.String(),
	}).Info("HLC session reset")
}

func (e *Engine) status() exi.DCEVSEStatus {
	code := e.dialect.StatusCode(e.pilot.Connected(), e.sess.ChargingActive, e.pilot.ContactorClosed())
	isolation := exi.IsolationLevel(e.isolation.Isolation())
	return exi.DCEVSEStatus{EVSEIsolationStatus: &isolation, EVSEStatusCode: code}
}

func (e *Engine) limits() Limits {
	return Limits{
		MaxVoltage:        e.cfg.MaxVoltage,
		MaxCurrent:        e.cfg.MaxCurrent,
		MaxPower:          e.cfg.MaxPowerKW * 1000,
		PeakCurrentRipple: e.cfg.PeakCurrentRipple,
	}
}
