package hlc

import (
	"io"
	"math"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/exi"
	"evse-controller/internal/stats"
)

// dispatch routes a decoded request by state. It reports whether the
// request was handled.
func (e *Engine) dispatch(req Request) bool {
	state := e.sess.State
	switch {
	case state == WaitSessionSetup && req.Kind == RequestSessionSetup:
		return e.handleSessionSetup(req)
	case state == WaitServiceDiscovery && req.Kind == RequestServiceDiscovery:
		return e.handleServiceDiscovery()
	case state == WaitServicePaymentSelection && req.Kind == RequestPaymentSelection:
		return e.handlePaymentSelection(req)
	case state == WaitPaymentDetails && req.Kind == RequestPaymentDetails:
		return e.handlePaymentDetails()
	case state == WaitPaymentDetails && req.Kind == RequestAuthorization:
		return e.sequenceError(req)
	case state == WaitContractAuthentication && req.Kind == RequestAuthorization:
		return e.handleAuthorization()
	case state == WaitChargeParameterDiscovery && req.Kind == RequestChargeParameterDiscovery:
		return e.handleChargeParameterDiscovery(req)
	case state == WaitCableCheck && req.Kind == RequestCableCheck:
		return e.handleCableCheck()
	case (state == WaitPreCharge || state == WaitPowerDelivery) && req.Kind == RequestPreCharge:
		return e.handlePreCharge(req)
	case (state == WaitPowerDelivery || state == WaitCurrentDemand || state == WaitSessionStop) && req.Kind == RequestPowerDelivery:
		return e.handlePowerDelivery(req)
	case state == WaitCurrentDemand && req.Kind == RequestCurrentDemand:
		return e.handleCurrentDemand(req)
	case (state == WaitCurrentDemand || state == WaitSessionStop) && req.Kind == RequestMeteringReceipt:
		return e.handleMeteringReceipt()
	case (state == WaitCurrentDemand || state == WaitSessionStop) && req.Kind == RequestSessionStop:
		return e.handleSessionStop()
	}

	e.stats.RecordEvent(stats.EventUnexpectedReq)
	log.WithFields(log.Fields{
		"state":    state.String(),
		"request":  req.Kind.String(),
		"protocol": e.sess.Protocol.String(),
	}).Warn("Unexpected request for state, ignoring")
	return false
}

func (e *Engine) handleSessionSetup(req Request) bool {
	id, err := e.ids.Allocate()
	if err != nil {
		log.WithError(err).Error("Failed to allocate session ID")
		return false
	}
	e.sess.ID = id
	e.sess.HasID = true
	e.sess.EVCCID = append([]byte(nil), req.EVCCID...)
	e.sess.StartedAt = e.wallClock()
	e.stats.RecordSessionStarted()

	log.WithFields(log.Fields{
		"session_id": id.String(),
		"protocol":   e.sess.Protocol.String(),
		"evcc_id":    req.EVCCID,
	}).Info("HLC session established")

	if !e.respond(Response{
		Kind:   RequestSessionSetup,
		Code:   exi.ResponseOKNewSessionEstablished,
		EVSEID: e.cfg.EVSEID,
	}) {
		return false
	}
	e.advance(WaitServiceDiscovery)
	return true
}

// paymentOptions lists the options offered for the negotiated protocol.
func (e *Engine) paymentOptions() []exi.PaymentOption {
	if e.sess.Protocol == ProtocolISO2 {
		return []exi.PaymentOption{exi.PaymentExternal, exi.PaymentContract}
	}
	return []exi.PaymentOption{exi.PaymentExternal}
}

func (e *Engine) handleServiceDiscovery() bool {
	if !e.respond(Response{
		Kind:           RequestServiceDiscovery,
		Code:           exi.ResponseOK,
		ServiceName:    e.cfg.ServiceName,
		PaymentOptions: e.paymentOptions(),
	}) {
		return false
	}
	e.advance(WaitServicePaymentSelection)
	return true
}

func (e *Engine) handlePaymentSelection(req Request) bool {
	supported := false
	for _, opt := range e.paymentOptions() {
		if opt == req.PaymentOption {
			supported = true
			break
		}
	}
	if !supported {
		log.WithFields(log.Fields{
			"payment":  req.PaymentOption.String(),
			"protocol": e.sess.Protocol.String(),
		}).Warn("Unsupported payment option, ending session")
		e.respond(Response{Kind: RequestPaymentSelection, Code: exi.ResponseFailedPaymentSelectionInvalid})
		e.watchdog.Clear()
		e.resetSession("payment selection invalid")
		return false
	}

	if !e.respond(Response{Kind: RequestPaymentSelection, Code: exi.ResponseOK}) {
		return false
	}
	e.sess.PaymentOption = req.PaymentOption
	if e.sess.Protocol == ProtocolISO2 && req.PaymentOption == exi.PaymentContract {
		e.sess.ExpectPaymentDetails = true
		e.advance(WaitPaymentDetails)
		return true
	}
	e.advance(WaitContractAuthentication)
	return true
}

func (e *Engine) handlePaymentDetails() bool {
	challenge := make([]byte, genChallengeLen)
	if _, err := io.ReadFull(e.rand, challenge); err != nil {
		log.WithError(err).Error("Failed to generate GenChallenge")
		return false
	}
	if !e.respond(Response{
		Kind:         RequestPaymentDetails,
		Code:         exi.ResponseOK,
		GenChallenge: challenge,
		Timestamp:    e.wallClock().Unix(),
	}) {
		return false
	}
	e.sess.PaymentDetailsDone = true
	e.advance(WaitContractAuthentication)
	return true
}

// sequenceError answers Authorization that arrived before PaymentDetails
// under Contract payment. The state and the watchdog are left as they are.
func (e *Engine) sequenceError(req Request) bool {
	e.stats.RecordEvent(stats.EventSequenceError)
	log.WithFields(log.Fields{
		"state":   e.sess.State.String(),
		"request": req.Kind.String(),
	}).Warn("Authorization before PaymentDetails")
	e.respond(Response{
		Kind:       RequestAuthorization,
		Code:       exi.ResponseFailedSequenceError,
		Processing: exi.ProcessingFinished,
	})
	return false
}

func (e *Engine) handleAuthorization() bool {
	if e.sess.ExpectPaymentDetails && !e.sess.PaymentDetailsDone {
		return e.sequenceError(Request{Kind: RequestAuthorization})
	}
	if !e.respond(Response{
		Kind:       RequestAuthorization,
		Code:       exi.ResponseOK,
		Processing: exi.ProcessingFinished,
	}) {
		return false
	}
	e.advance(WaitChargeParameterDiscovery)
	return true
}

func (e *Engine) handleChargeParameterDiscovery(req Request) bool {
	if req.HasSOC {
		e.sess.EVSOC = req.SOC
	}
	if !e.respond(Response{
		Kind:       RequestChargeParameterDiscovery,
		Code:       exi.ResponseOK,
		Processing: exi.ProcessingFinished,
		Status:     e.status(),
		Limits:     e.limits(),
	}) {
		return false
	}
	e.advance(WaitCableCheck)
	return true
}

func (e *Engine) handleCableCheck() bool {
	if !e.respond(Response{
		Kind:       RequestCableCheck,
		Code:       exi.ResponseOK,
		Processing: exi.ProcessingFinished,
		Status:     e.status(),
	}) {
		return false
	}
	e.advance(WaitPreCharge)
	return true
}

func (e *Engine) handlePreCharge(req Request) bool {
	voltage := clampTarget(req.TargetVoltage, e.cfg.MaxVoltage)
	current := clampTarget(req.TargetCurrent, e.cfg.MaxCurrent)
	e.power.SetTargets(voltage, current)

	if !e.respond(Response{
		Kind:           RequestPreCharge,
		Code:           exi.ResponseOK,
		Status:         e.status(),
		PresentVoltage: e.power.BusVoltage(),
	}) {
		return false
	}
	e.advance(WaitPowerDelivery)
	return true
}

func (e *Engine) handlePowerDelivery(req Request) bool {
	switch req.Progress {
	case exi.ProgressStart:
		if !e.pilot.SetContactor(true) {
			e.stopPowerOutput()
			e.stats.RecordEvent(stats.EventContactorFailure)
			log.WithField("protocol", e.sess.Protocol.String()).Error("Contactor did not close, power delivery refused")
			e.respond(Response{
				Kind:   RequestPowerDelivery,
				Code:   exi.ResponseFailedPowerDeliveryNotApplied,
				Status: e.status(),
			})
			e.advance(WaitSessionStop)
			return false
		}
		e.sess.ChargingActive = true
		e.charged = true
		e.power.EnableOutput(true)
		e.stats.RecordChargingStarted()
		log.WithFields(log.Fields{
			"session_id": e.sess.ID.String(),
			"protocol":   e.sess.Protocol.String(),
		}).Info("Charging started")
		if !e.respond(Response{Kind: RequestPowerDelivery, Code: exi.ResponseOK, Status: e.status()}) {
			return false
		}
		e.advance(WaitCurrentDemand)
		return true

	case exi.ProgressRenegotiate:
		e.stopPowerOutput()
		if !e.respond(Response{Kind: RequestPowerDelivery, Code: exi.ResponseOK, Status: e.status()}) {
			return false
		}
		e.advance(WaitChargeParameterDiscovery)
		return true

	default:
		e.stopPowerOutput()
		log.WithField("session_id", e.sess.ID.String()).Info("Charging stopped")
		if !e.respond(Response{Kind: RequestPowerDelivery, Code: exi.ResponseOK, Status: e.status()}) {
			return false
		}
		e.advance(WaitSessionStop)
		return true
	}
}

func (e *Engine) handleCurrentDemand(req Request) bool {
	if req.HasSOC {
		e.sess.EVSOC = req.SOC
	}
	voltage := clampTarget(req.TargetVoltage, e.cfg.MaxVoltage)
	current := clampTarget(req.TargetCurrent, e.cfg.MaxCurrent)
	if e.sess.ChargingActive {
		e.power.SetTargets(voltage, current)
	}

	if req.ChargingComplete && e.sess.ChargingActive {
		log.WithFields(log.Fields{
			"session_id": e.sess.ID.String(),
			"soc":        e.sess.EVSOC,
		}).Info("Vehicle reports charging complete")
		e.stopPowerOutput()
	}

	presentV := e.power.BusVoltage()
	presentA := 0.0
	if e.sess.ChargingActive {
		presentA = e.power.BusCurrent()
	}
	maxPower := e.cfg.MaxPowerKW * 1000

	if !e.respond(Response{
		Kind:                 RequestCurrentDemand,
		Code:                 exi.ResponseOK,
		Status:               e.status(),
		Limits:               e.limits(),
		EVSEID:               e.cfg.EVSEID,
		PresentVoltage:       presentV,
		PresentCurrent:       presentA,
		CurrentLimitAchieved: current >= e.cfg.MaxCurrent,
		VoltageLimitAchieved: voltage >= e.cfg.MaxVoltage,
		PowerLimitAchieved:   voltage*current >= maxPower,
	}) {
		return false
	}
	e.arm(WaitCurrentDemand)
	return true
}

func (e *Engine) handleMeteringReceipt() bool {
	if !e.respond(Response{Kind: RequestMeteringReceipt, Code: exi.ResponseOK, Status: e.status()}) {
		return false
	}
	e.arm(e.sess.State)
	return true
}

func (e *Engine) handleSessionStop() bool {
	e.stopPowerOutput()
	ok := e.respond(Response{Kind: RequestSessionStop, Code: exi.ResponseOK})
	if ok {
		e.stats.RecordSessionCompleted()
		e.completed = true
	}
	e.watchdog.Clear()
	e.resetSession("session stop")
	return ok
}

// clampTarget keeps a vehicle target within [0, max].
func clampTarget(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, max)
}
