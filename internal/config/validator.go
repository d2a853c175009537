package config

import (
	"errors"
	"fmt"
)

// Validate checks that the configuration is valid. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.HardwareAddr(); err != nil {
		errs = append(errs, err)
	}

	switch c.Link.Transport {
	case "serial":
		if c.Link.SerialPort == "" {
			errs = append(errs, errors.New("link.serial_port must be specified for the serial transport"))
		}
		if c.Link.SerialBaud <= 0 {
			errs = append(errs, fmt.Errorf("link.serial_baud must be > 0, got %d", c.Link.SerialBaud))
		}
	case "none", "loopback":
	default:
		errs = append(errs, fmt.Errorf("link.transport must be 'serial', 'loopback' or 'none', got %q", c.Link.Transport))
	}

	if c.Slac.GetSwMaxRetries < 0 {
		errs = append(errs, errors.New("slac.get_sw_max_retries must be >= 0"))
	}

	for name, port := range map[string]int{"network.plain_port": c.Network.PlainPort, "network.tls_port": c.Network.TLSPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", name, port))
		}
	}
	if c.Network.PlainPort == c.Network.TLSPort {
		errs = append(errs, errors.New("network.plain_port and network.tls_port must differ"))
	}

	if c.TCP.RetransmitTimeoutMs <= 0 {
		errs = append(errs, errors.New("tcp.retransmit_timeout_ms must be > 0"))
	}
	if c.TCP.MaxRetransmits < 0 {
		errs = append(errs, errors.New("tcp.max_retransmits must be >= 0"))
	}
	if c.TCP.IdleTimeoutMs <= 0 {
		errs = append(errs, errors.New("tcp.idle_timeout_ms must be > 0"))
	}

	if c.HLC.EVSEID == "" {
		errs = append(errs, errors.New("hlc.evse_id must be specified"))
	}
	if c.HLC.MaxVoltage <= 0 || c.HLC.MaxCurrent <= 0 || c.HLC.MaxPowerKW <= 0 {
		errs = append(errs, errors.New("hlc.max_voltage, hlc.max_current and hlc.max_power_kw must be > 0"))
	}
	if c.HLC.WatchdogTimeoutMs < 0 {
		errs = append(errs, errors.New("hlc.watchdog_timeout_ms must be >= 0"))
	}
	if c.HLC.WatchdogMaxRetries < 0 {
		errs = append(errs, errors.New("hlc.watchdog_max_retries must be >= 0"))
	}

	if c.Session.IDStrategy != "sequential" && c.Session.IDStrategy != "random" {
		errs = append(errs, fmt.Errorf("session.id_strategy must be 'sequential' or 'random', got %q", c.Session.IDStrategy))
	}
	if c.Session.IDStrategy == "sequential" && c.Session.IDStart == 0 {
		errs = append(errs, errors.New("session.id_start must be > 0"))
	}

	switch c.Bench.CPState {
	case "A", "B", "C", "D", "E", "F":
	default:
		errs = append(errs, fmt.Errorf("bench.cp_state must be one of A..F, got %q", c.Bench.CPState))
	}
	if c.Bench.VoltageRamp <= 0 || c.Bench.CurrentRamp <= 0 {
		errs = append(errs, errors.New("bench.voltage_ramp and bench.current_ramp must be > 0"))
	}
	if c.Bench.DemoteSamples <= 0 {
		errs = append(errs, errors.New("bench.demote_samples must be > 0"))
	}

	if c.TLS.Enabled && c.PKI.Dir == "" {
		errs = append(errs, errors.New("pki.dir must be specified when tls is enabled"))
	}

	if c.Telemetry.MQTTBroker != "" {
		switch c.Telemetry.Encoding {
		case "json", "cbor", "proto":
		default:
			errs = append(errs, fmt.Errorf("telemetry.encoding must be json, cbor or proto, got %q", c.Telemetry.Encoding))
		}
		if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
			errs = append(errs, fmt.Errorf("telemetry.qos must be 0, 1 or 2, got %d", c.Telemetry.QoS))
		}
		if c.Telemetry.Topic == "" {
			errs = append(errs, errors.New("telemetry.topic must be specified"))
		}
	}

	if c.Store.MongoURI != "" && (c.Store.Database == "" || c.Store.Collection == "") {
		errs = append(errs, errors.New("store.database and store.collection must be specified with store.mongo_uri"))
	}

	if c.Diag.Listen != "" && c.Diag.Token != "" && c.Diag.Window <= 0 {
		errs = append(errs, errors.New("diag.window must be > 0 when a token is set"))
	}

	if c.Controller.TickMs <= 0 {
		errs = append(errs, errors.New("controller.tick_ms must be > 0"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}
