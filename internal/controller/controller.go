// Package controller owns the protocol components of one powerline link
// and drives them from a single cooperative tick.
package controller

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
	"evse-controller/internal/diag"
	"evse-controller/internal/exi"
	"evse-controller/internal/hlc"
	"evse-controller/internal/ipv6"
	"evse-controller/internal/link"
	"evse-controller/internal/slac"
	"evse-controller/internal/stats"
	"evse-controller/internal/store"
	"evse-controller/internal/tcp"
	"evse-controller/internal/telemetry"
	"evse-controller/pkg/types"
)

// DefaultTickMs is the cooperative tick period.
const DefaultTickMs = 20

const storeTimeout = 5 * time.Second

// Config holds the per-link settings.
type Config struct {
	MAC    [6]byte
	TickMs uint32
	Slac   slac.Config
	TCP    tcp.Config
	HLC    hlc.Config
	SDP    ipv6.SDPPolicy
}

// Deps are the collaborators a controller is built around. Publisher,
// Store and TLS may be nil.
type Deps struct {
	Transceiver link.Transceiver
	Codec       exi.Codec
	Pilot       types.ControlPilot
	Power       types.DCPower
	Clock       clock.Clock
	Stats       *stats.Collector
	Publisher   telemetry.Publisher
	Store       store.SessionStore
	TLS         types.TLSStatus
	Tap         link.Tap
}

// Controller wires link, SLAC, IPv6, TCP and HLC together. Every entry
// into the components goes through the controller's mutex.
type Controller struct {
	cfg   Config
	clock clock.Clock
	stats *stats.Collector

	tx        link.Transceiver
	sender    *link.Sender
	reasm     *link.Reassembler
	slac      *slac.Session
	responder *ipv6.Responder
	stack     *tcp.Stack
	engine    *hlc.Engine
	pilot     types.ControlPilot
	power     types.DCPower

	publisher telemetry.Publisher
	store     store.SessionStore
	tls       types.TLSStatus

	wasCharging bool
	chargingID  string
	lastCP      types.CPState
	saves       sync.WaitGroup
	mu          sync.Mutex
}

// New builds the component graph for one link.
func New(cfg Config, deps Deps) *Controller {
	if cfg.TickMs == 0 {
		cfg.TickMs = DefaultTickMs
	}
	if cfg.SDP == (ipv6.SDPPolicy{}) {
		cfg.SDP = ipv6.DefaultSDPPolicy()
	}
	cfg.Slac.MAC = cfg.MAC
	if deps.Publisher == nil {
		deps.Publisher = telemetry.Nop{}
	}

	c := &Controller{
		cfg:       cfg,
		clock:     deps.Clock,
		stats:     deps.Stats,
		tx:        deps.Transceiver,
		pilot:     deps.Pilot,
		power:     deps.Power,
		publisher: deps.Publisher,
		store:     deps.Store,
		tls:       deps.TLS,
	}

	c.sender = link.NewSender(deps.Transceiver, deps.Stats)
	c.reasm = link.NewReassembler(deps.Transceiver, deps.Stats)
	if deps.Tap != nil {
		c.sender.SetTap(deps.Tap)
		c.reasm.SetTap(deps.Tap)
	}

	c.slac = slac.NewSession(cfg.Slac, c.sender, deps.Clock, deps.Stats)
	c.responder = ipv6.NewResponder(cfg.MAC, c.sender, c, cfg.SDP, deps.Stats)
	c.stack = tcp.NewStack(cfg.TCP, c.responder, deps.Clock, deps.Stats)
	c.engine = hlc.NewEngine(cfg.HLC, deps.Codec, deps.Pilot, deps.Power, deps.Clock, deps.Stats)

	c.reasm.Register(link.EtherTypeHomePlug, c.slac)
	c.reasm.Register(link.EtherTypeIPv6, c.responder)
	c.reasm.OnReset(c.linkReset)
	c.responder.SetSegmentHandler(c.stack)
	c.stack.SetPeerMAC(c.slac.PevMAC)
	c.stack.SetApplication(c.engine)
	c.engine.SetTransport(c.stack)

	c.slac.OnStateChange(func(from, to slac.State) {
		c.publish(telemetry.EventSlacState, map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	})
	c.engine.OnStateChange(func(from, to hlc.State) {
		c.publish(telemetry.EventHLCState, map[string]interface{}{
			"from":     from.String(),
			"to":       to.String(),
			"protocol": c.engine.Protocol().String(),
		})
	})
	c.engine.OnSessionEnd(c.sessionEnded)
	c.lastCP = deps.Pilot.State()
	return c
}

// Engine returns the HLC engine, e.g. to attach socket transports.
func (c *Controller) Engine() *hlc.Engine { return c.engine }

// Slac returns the pairing session.
func (c *Controller) Slac() *slac.Session { return c.slac }

// Stack returns the TCP micro-stack.
func (c *Controller) Stack() *tcp.Stack { return c.stack }

// Responder returns the IPv6 responder.
func (c *Controller) Responder() *ipv6.Responder { return c.responder }

// Reassembler returns the burst reassembler.
func (c *Controller) Reassembler() *link.Reassembler { return c.reasm }

// Do runs fn with exclusive access to the components.
func (c *Controller) Do(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Ready reports whether the TLS endpoint can accept connections.
func (c *Controller) Ready() bool { return c.TLSReady() }

// TLSReady reports whether the TLS endpoint can accept connections.
func (c *Controller) TLSReady() bool {
	return c.tls != nil && c.tls.Ready()
}

// Run ticks until ctx is cancelled and waits for pending session saves.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"mac":     net.HardwareAddr(c.cfg.MAC[:]).String(),
		"tick_ms": c.cfg.TickMs,
	}).Info("Controller started")

	for {
		select {
		case <-ctx.Done():
			c.Do(func() { c.engine.Abort("shutdown") })
			c.saves.Wait()
			log.Info("Controller stopped")
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs one cooperative cycle.
func (c *Controller) Tick() {
	c.Do(c.tick)
}

func (c *Controller) tick() {
	now := c.clock.NowMillis()

	c.pilot.Tick(now)
	c.checkPilot()

	c.power.Tick(now)
	c.drain()
	c.slac.Tick(now)
	c.stack.Tick(now)
	c.engine.Tick(now)

	c.trackCharging()
}

// checkPilot stops charging when the vehicle is unplugged.
func (c *Controller) checkPilot() {
	cp := c.pilot.State()
	if cp != c.lastCP {
		c.publish(telemetry.EventCPState, map[string]interface{}{
			"from": c.lastCP.String(),
			"to":   cp.String(),
		})
		c.lastCP = cp
	}
	if c.pilot.Connected() || !c.engine.ChargingActive() {
		return
	}

	c.stats.RecordEvent(stats.EventCPDisconnect)
	log.WithField("cp", cp.String()).Warn("Vehicle disconnected while charging, stopping output")
	c.engine.Abort("cp disconnect")
	c.stack.Reset()
	c.responder.Reset()
	c.slac.Reset()
}

// drain processes every burst already received without blocking.
func (c *Controller) drain() {
	if c.tx == nil {
		return
	}
	bursts := c.tx.Bursts()
	for {
		select {
		case burst, ok := <-bursts:
			if !ok {
				return
			}
			c.reasm.Process(burst)
		default:
			return
		}
	}
}

// linkReset discards all state after a transceiver reset.
func (c *Controller) linkReset() {
	c.engine.Abort("transceiver reset")
	c.stack.Reset()
	c.responder.Reset()
	c.slac.Restart()
}

func (c *Controller) trackCharging() {
	charging := c.engine.ChargingActive()
	if charging == c.wasCharging {
		return
	}
	c.wasCharging = charging
	sess := c.engine.Session()
	if charging {
		c.chargingID = sess.ID.String()
		limits := c.cfg.HLC
		c.publish(telemetry.EventChargingStarted, map[string]interface{}{
			"session_id": c.chargingID,
			"protocol":   sess.Protocol.String(),
		})
		c.publish(telemetry.EventLimits, map[string]interface{}{
			"max_voltage":  limits.MaxVoltage,
			"max_current":  limits.MaxCurrent,
			"max_power_kw": limits.MaxPowerKW,
		})
		return
	}
	c.publish(telemetry.EventChargingStopped, map[string]interface{}{
		"session_id": c.chargingID,
		"hlc_state":  sess.State.String(),
	})
}

func (c *Controller) sessionEnded(rec types.SessionRecord) {
	if mac := c.slac.PevMAC(); mac != nil {
		rec.PevMAC = mac.String()
	}
	c.publish(telemetry.EventSessionEnd, map[string]interface{}{
		"session_id":  rec.SessionID,
		"protocol":    rec.Protocol,
		"final_state": rec.FinalState,
		"reason":      rec.Reason,
		"soc":         int(rec.EVSOC),
		"charged":     rec.Charged,
	})
	if c.store == nil {
		return
	}
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Save(ctx, rec); err != nil {
			log.WithError(err).WithField("session_id", rec.SessionID).Warn("Failed to save session record")
		}
	}()
}

// WaitSaves blocks until every queued session record is stored.
func (c *Controller) WaitSaves() { c.saves.Wait() }

func (c *Controller) publish(eventType string, fields map[string]interface{}) {
	c.publisher.Publish(telemetry.Event{
		Type:   eventType,
		Time:   time.Now(),
		Fields: fields,
	})
}

// Status implements diag.Backend.
func (c *Controller) Status() diag.Status {
	var st diag.Status
	c.Do(func() {
		st = diag.Status{
			CPState:        c.pilot.State().String(),
			SlacState:      c.slac.State().String(),
			TCPState:       c.stack.State().String(),
			HLCState:       c.engine.State().String(),
			Protocol:       c.engine.Protocol().String(),
			ChargingActive: c.engine.ChargingActive(),
			BusVoltage:     c.power.BusVoltage(),
			BusCurrent:     c.power.BusCurrent(),
			TLSReady:       c.TLSReady(),
		}
		if mac := c.slac.PevMAC(); mac != nil {
			st.PevMAC = mac.String()
		}
	})
	return st
}

// Stats implements diag.Backend.
func (c *Controller) Stats() *stats.Collector { return c.stats }
