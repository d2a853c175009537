package slac

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
	"evse-controller/internal/stats"
)

// State is the modem and pairing state.
type State int

const (
	StatePowerUp State = iota
	StateWriteSpace
	StateSetKeyReq
	StateSetKeyCnf
	StateConfigured
	StateParamCnf
	StateMnbcSound
	StateAttenCharInd
	StateAttenCharRsp
	StateGetSwReq
	StateWaitSw
	StateLinkReady
)

var stateNames = [...]string{
	"PowerUp", "WriteSpace", "SetKeyReq", "SetKeyCnf", "Configured", "ParamCnf",
	"MnbcSound", "AttenCharInd", "AttenCharRsp", "GetSwReq", "WaitSw", "LinkReady",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// FrameSender transmits one Ethernet frame on the powerline link.
type FrameSender interface {
	Send(frame []byte) error
}

// Config holds the session's static parameters.
type Config struct {
	// MAC is the EVSE host MAC address.
	MAC [6]byte
	// GetSwMaxRetries caps modem discovery rounds after a match. Zero retries forever.
	GetSwMaxRetries int
	// Rand supplies key material. Defaults to crypto/rand.
	Rand io.Reader
}

// Snapshot is a point-in-time view of a session for diagnostics.
type Snapshot struct {
	State          string `json:"state"`
	PevMAC         string `json:"pev_mac"`
	PevModemMAC    string `json:"pev_modem_mac"`
	RunID          string `json:"run_id"`
	SoundCount     byte   `json:"sound_count"`
	SoundWindowMs  uint32 `json:"sound_window_ms"`
	ReceivedSounds byte   `json:"received_sounds"`
	Profiles       byte   `json:"received_profiles"`
	ModemsFound    int    `json:"modems_found"`
	Failures       int    `json:"failures"`
}

// Session runs modem configuration, SLAC pairing with one vehicle and
// modem discovery.
type Session struct {
	cfg   Config
	tx    FrameSender
	clock clock.Clock
	stats *stats.Collector

	state State

	pevMAC       [6]byte
	runID        [8]byte
	soundCount   byte
	timeoutField byte
	windowMs     uint32

	receivedSounds   byte
	receivedProfiles byte
	attenSums        [AttenGroups]uint32
	attenRetries     int
	failures         int

	soundTimer  uint32
	attenTimer  uint32
	matchTimer  uint32
	searchTimer uint32

	modemMAC     [6]byte
	pevModemMAC  [6]byte
	modemsFound  int
	modemsSeen   [MinModemsForLink][6]byte
	getSwRetries int

	nmk [16]byte
	nid [7]byte

	onChange func(from, to State)
	mu       sync.Mutex
}

// NewSession creates a session in PowerUp.
func NewSession(cfg Config, tx FrameSender, clk clock.Clock, collector *stats.Collector) *Session {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Session{
		cfg:          cfg,
		tx:           tx,
		clock:        clk,
		stats:        collector,
		soundCount:   DefaultSoundCount,
		timeoutField: DefaultTimeoutField,
		windowMs:     SoundWindowMs(DefaultTimeoutField),
	}
}

// OnStateChange registers a callback invoked on every state transition.
// The callback runs with the session lock held and must not call back into
// the session.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LinkReady reports whether pairing and modem discovery completed.
func (s *Session) LinkReady() bool {
	return s.State() == StateLinkReady
}

// PevMAC returns the vehicle host MAC learned from SLAC_PARAM.REQ, or nil
// before the first request.
func (s *Session) PevMAC() net.HardwareAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pevMAC == [6]byte{} {
		return nil
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, s.pevMAC[:])
	return mac
}

// NMK returns the current network membership key.
func (s *Session) NMK() [16]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nmk
}

// NID returns the current network ID.
func (s *Session) NID() [7]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nid
}

// Snapshot returns the diagnostic view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:          s.state.String(),
		RunID:          hex.EncodeToString(s.runID[:]),
		SoundCount:     s.soundCount,
		SoundWindowMs:  s.windowMs,
		ReceivedSounds: s.receivedSounds,
		Profiles:       s.receivedProfiles,
		ModemsFound:    s.modemsFound,
		Failures:       s.failures,
	}
	if s.pevMAC != [6]byte{} {
		snap.PevMAC = net.HardwareAddr(s.pevMAC[:]).String()
	}
	if s.pevModemMAC != [6]byte{} {
		snap.PevModemMAC = net.HardwareAddr(s.pevModemMAC[:]).String()
	}
	return snap
}

// Restart returns to PowerUp, e.g. after a transceiver reset. The modem is
// reconfigured with a fresh key on the following ticks.
func (s *Session) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPairing()
	s.setState(StatePowerUp)
}

// Reset drops the pairing after the vehicle disconnects. The modem is
// rekeyed so the next vehicle never receives a key handed out before.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state <= StateConfigured {
		return
	}
	s.clearPairing()
	s.setState(StateSetKeyReq)
}

func (s *Session) clearPairing() {
	s.pevMAC = [6]byte{}
	s.pevModemMAC = [6]byte{}
	s.runID = [8]byte{}
	s.resetCounters()
	s.modemsFound = 0
	s.modemsSeen = [MinModemsForLink][6]byte{}
	s.getSwRetries = 0
}

func (s *Session) resetCounters() {
	s.attenRetries = 0
	s.receivedSounds = 0
	s.receivedProfiles = 0
	s.attenTimer = 0
	s.matchTimer = 0
}

func (s *Session) setState(next State) {
	if next == s.state {
		return
	}
	prev := s.state
	s.state = next
	log.WithFields(log.Fields{
		"from":  prev.String(),
		"state": next.String(),
	}).Debug("SLAC state change")
	if s.onChange != nil {
		s.onChange(prev, next)
	}
}

func (s *Session) send(frame []byte) {
	name := MMTypeName(MMType(frame))
	if err := s.tx.Send(frame); err != nil {
		s.stats.RecordFailure(name)
		log.WithError(err).WithField("mmtype", name).Warn("Failed to send SLAC frame")
		return
	}
	s.stats.RecordSent(name)
}

// HandleFrame processes one HomePlug management frame.
func (s *Session) HandleFrame(frame []byte) {
	now := s.clock.NowMillis()
	s.mu.Lock()
	defer s.mu.Unlock()

	mmtype := MMType(frame)
	name := MMTypeName(mmtype)
	s.stats.RecordReceived(name)

	switch {
	case mmtype == mmCmSetKey|mmCnf:
		s.handleSetKeyCnf(frame)
	case mmtype == mmCmSlacParam|mmReq:
		s.handleSlacParamReq(frame)
	case mmtype == mmCmStartAttenChar|mmInd && s.state == StateParamCnf:
		s.soundTimer = now
		s.attenSums = [AttenGroups]uint32{}
		s.resetCounters()
		s.setState(StateMnbcSound)
	case mmtype == mmCmMnbcSound|mmInd && s.state == StateMnbcSound:
		if s.receivedSounds < 255 {
			s.receivedSounds++
		}
	case mmtype == mmCmAttenProfile|mmInd && s.state == StateMnbcSound:
		s.handleAttenProfile(frame, now)
	case mmtype == mmCmAttenChar|mmRsp && s.state == StateAttenCharInd:
		s.handleAttenCharRsp(frame, now)
	case mmtype == mmCmSlacMatch|mmReq && s.state == StateAttenCharRsp:
		s.handleSlacMatchReq(frame)
	case mmtype == mmVsGetSw|mmCnf && s.state == StateWaitSw:
		s.handleGetSwCnf(frame)
	default:
		log.WithFields(log.Fields{
			"mmtype": name,
			"state":  s.state.String(),
		}).Debug("Ignoring management frame")
	}
}

func (s *Session) handleSetKeyCnf(frame []byte) {
	if len(frame) < minSetKeyCnfLen || frame[19] != 0x01 {
		log.Warn("Modem rejected CM_SET_KEY.REQ, NMK not set")
		return
	}
	copy(s.modemMAC[:], frame[6:12])
	log.WithField("modem_mac", net.HardwareAddr(frame[6:12]).String()).Info("Modem configured with new NMK")
	if s.state < StateConfigured {
		s.setState(StateConfigured)
	}
}

func (s *Session) handleSlacParamReq(frame []byte) {
	if len(frame) < 29 {
		log.WithField("length", len(frame)).Warn("Short CM_SLAC_PARAM.REQ")
		return
	}
	copy(s.pevMAC[:], frame[6:12])
	copy(s.runID[:], frame[21:29])

	if len(frame) > slacParamReqCountOff+1 {
		s.soundCount = ClampSoundCount(frame[slacParamReqCountOff])
		s.timeoutField = frame[slacParamReqCountOff+1]
		if s.timeoutField == 0 {
			s.timeoutField = DefaultTimeoutField
		}
	} else {
		s.soundCount = DefaultSoundCount
		s.timeoutField = DefaultTimeoutField
	}
	s.windowMs = SoundWindowMs(s.timeoutField)
	s.failures = 0
	s.resetCounters()

	log.WithFields(log.Fields{
		"pev_mac":   net.HardwareAddr(s.pevMAC[:]).String(),
		"sounds":    s.soundCount,
		"window_ms": s.windowMs,
	}).Info("SLAC parameters negotiated")

	s.send(composeSlacParamCnf(s.cfg.MAC, s.pevMAC, s.runID, s.soundCount, s.timeoutField))
	s.setState(StateParamCnf)
}

func (s *Session) handleAttenProfile(frame []byte, now uint32) {
	if len(frame) < minAttenProfileLen {
		log.WithField("length", len(frame)).Warn("Invalid CM_ATTEN_PROFILE.IND length")
		return
	}
	if s.receivedProfiles >= s.soundCount {
		return
	}
	for i := 0; i < AttenGroups; i++ {
		s.attenSums[i] += uint32(frame[27+i])
	}
	s.receivedProfiles++
	if s.receivedProfiles >= s.soundCount {
		s.transmitAttenCharInd("sounds complete", now)
	}
}

// reported returns the sound count reported back to the vehicle and the
// divisor applied to the attenuation sums.
func (s *Session) reported() (reported, samples byte) {
	reported = s.receivedSounds
	if reported == 0 {
		reported = s.receivedProfiles
	}
	if reported > s.soundCount {
		reported = s.soundCount
	}
	switch {
	case s.receivedProfiles > 0:
		samples = s.receivedProfiles
	case reported > 0:
		samples = reported
	default:
		samples = 1
	}
	return reported, samples
}

func (s *Session) transmitAttenCharInd(reason string, now uint32) {
	reported, samples := s.reported()
	var averages [AttenGroups]byte
	for i, sum := range s.attenSums {
		averages[i] = byte(sum / uint32(samples))
	}
	s.send(composeAttenCharInd(s.cfg.MAC, s.pevMAC, s.runID, reported, averages))
	s.attenTimer = now
	s.attenRetries++
	s.setState(StateAttenCharInd)
	log.WithFields(log.Fields{
		"reason":   reason,
		"attempt":  s.attenRetries,
		"reported": reported,
	}).Info("Transmitted CM_ATTEN_CHAR.IND")
}

func (s *Session) handleAttenCharRsp(frame []byte, now uint32) {
	valid := len(frame) >= minAttenCharRspLen &&
		[6]byte(frame[21:27]) == s.pevMAC &&
		[8]byte(frame[27:35]) == s.runID &&
		frame[69] == 0
	if valid {
		s.matchTimer = now
		s.attenRetries = 0
		s.setState(StateAttenCharRsp)
		log.Info("Attenuation characterization accepted by vehicle")
		return
	}
	if s.attenRetries < AttenCharMaxRetries {
		s.transmitAttenCharInd("response mismatch", now)
		return
	}
	s.fail("CM_ATTEN_CHAR.RSP invalid")
}

func (s *Session) handleSlacMatchReq(frame []byte) {
	valid := len(frame) >= minSlacMatchReqLen &&
		uint16(frame[21])|uint16(frame[22])<<8 == ExpectedMatchMVFLen &&
		[6]byte(frame[40:46]) == s.pevMAC &&
		[8]byte(frame[69:77]) == s.runID
	if !valid {
		s.fail("CM_SLAC_MATCH.REQ verification failed")
		return
	}
	s.send(composeSlacMatchCnf(s.cfg.MAC, s.pevMAC, s.runID, s.nid, s.nmk))
	s.attenRetries = 0
	s.matchTimer = 0
	s.getSwRetries = 0
	s.stats.RecordEvent(stats.EventSlacMatched)
	log.WithField("pev_mac", net.HardwareAddr(s.pevMAC[:]).String()).Info("SLAC match confirmed")
	s.setState(StateGetSwReq)
}

// handleGetSwCnf counts each answering modem once per search window.
func (s *Session) handleGetSwCnf(frame []byte) {
	src := [6]byte(frame[6:12])
	for i := 0; i < s.modemsFound; i++ {
		if s.modemsSeen[i] == src {
			return
		}
	}
	if src != s.modemMAC {
		s.pevModemMAC = src
	}
	if s.modemsFound < MinModemsForLink {
		s.modemsSeen[s.modemsFound] = src
		s.modemsFound++
	}
}

func (s *Session) fail(reason string) {
	s.failures++
	s.stats.RecordEvent(stats.EventSlacFailure)
	log.WithFields(log.Fields{
		"reason":   reason,
		"failures": s.failures,
		"state":    s.state.String(),
	}).Warn("SLAC failure")
	matched := s.state >= StateGetSwReq
	s.resetCounters()
	if matched {
		// The key already went out in CM_SLAC_MATCH.CNF.
		s.clearPairing()
		s.setState(StateSetKeyReq)
		return
	}
	s.setState(StateConfigured)
}

// Tick advances the modem bring-up sequence and evaluates pairing timers.
func (s *Session) Tick(now uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePowerUp:
		s.setState(StateWriteSpace)
	case StateWriteSpace:
		s.setState(StateSetKeyReq)
	case StateSetKeyReq:
		if err := s.randomizeKey(); err != nil {
			log.WithError(err).Error("Failed to generate network membership key")
			return
		}
		s.send(composeSetKeyReq(s.cfg.MAC, s.nid, s.nmk))
		log.Info("Configuring local modem with a random NMK")
		s.setState(StateSetKeyCnf)
	case StateGetSwReq:
		s.send(composeGetSwReq(s.cfg.MAC))
		s.modemsFound = 0
		s.modemsSeen = [MinModemsForLink][6]byte{}
		s.searchTimer = now
		s.setState(StateWaitSw)
	case StateMnbcSound:
		if clock.Reached(now, s.soundTimer+s.windowMs) {
			s.transmitAttenCharInd("sound window elapsed", now)
		}
	case StateAttenCharInd:
		if clock.Reached(now, s.attenTimer+AttenCharTimeoutMs) {
			if s.attenRetries < AttenCharMaxRetries {
				s.transmitAttenCharInd("waiting for response", now)
			} else {
				s.fail("CM_ATTEN_CHAR.RSP timeout")
			}
		}
	case StateAttenCharRsp:
		if clock.Reached(now, s.matchTimer+SlacMatchTimeoutMs) {
			s.fail("CM_SLAC_MATCH.REQ timeout")
		}
	case StateWaitSw:
		if clock.Reached(now, s.searchTimer+ModemSearchWindowMs) {
			s.searchExpired()
		}
	}
}

func (s *Session) searchExpired() {
	if s.modemsFound >= MinModemsForLink {
		s.stats.RecordEvent(stats.EventLinkReady)
		log.WithFields(log.Fields{
			"pev_mac":       net.HardwareAddr(s.pevMAC[:]).String(),
			"pev_modem_mac": net.HardwareAddr(s.pevModemMAC[:]).String(),
			"modems":        s.modemsFound,
		}).Info("Private network with vehicle established")
		s.setState(StateLinkReady)
		return
	}
	s.getSwRetries++
	if s.cfg.GetSwMaxRetries > 0 && s.getSwRetries >= s.cfg.GetSwMaxRetries {
		s.fail("modem discovery exhausted")
		return
	}
	log.WithField("modems", s.modemsFound).Debug("Repeating modem discovery")
	s.setState(StateGetSwReq)
}

func (s *Session) randomizeKey() error {
	var nmk [16]byte
	if _, err := io.ReadFull(s.cfg.Rand, nmk[:]); err != nil {
		return fmt.Errorf("read random NMK: %w", err)
	}
	s.nmk = nmk
	s.nid = deriveNID(nmk)
	return nil
}
