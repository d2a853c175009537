package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the EVSE controller.
type Config struct {
	Link       LinkConfig       `yaml:"link"       mapstructure:"link"`
	Slac       SlacConfig       `yaml:"slac"       mapstructure:"slac"`
	Network    NetworkConfig    `yaml:"network"    mapstructure:"network"`
	TCP        TCPConfig        `yaml:"tcp"        mapstructure:"tcp"`
	HLC        HLCConfig        `yaml:"hlc"        mapstructure:"hlc"`
	Session    SessionConfig    `yaml:"session"    mapstructure:"session"`
	Bench      BenchConfig      `yaml:"bench"      mapstructure:"bench"`
	TLS        TLSConfig        `yaml:"tls"        mapstructure:"tls"`
	PKI        PKIConfig        `yaml:"pki"        mapstructure:"pki"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"  mapstructure:"telemetry"`
	Store      StoreConfig      `yaml:"store"      mapstructure:"store"`
	Diag       DiagConfig       `yaml:"diag"       mapstructure:"diag"`
	Stats      StatsConfig      `yaml:"stats"      mapstructure:"stats"`
	Logging    LoggingConfig    `yaml:"logging"    mapstructure:"logging"`
	Controller ControllerConfig `yaml:"controller" mapstructure:"controller"`
}

type LinkConfig struct {
	MAC         string `yaml:"mac"          mapstructure:"mac"`
	Transport   string `yaml:"transport"    mapstructure:"transport"`
	SerialPort  string `yaml:"serial_port"  mapstructure:"serial_port"`
	SerialBaud  int    `yaml:"serial_baud"  mapstructure:"serial_baud"`
	CaptureFile string `yaml:"capture_file" mapstructure:"capture_file"`
}

type SlacConfig struct {
	GetSwMaxRetries int `yaml:"get_sw_max_retries" mapstructure:"get_sw_max_retries"`
}

type NetworkConfig struct {
	PlainPort       int    `yaml:"plain_port"       mapstructure:"plain_port"`
	TLSPort         int    `yaml:"tls_port"         mapstructure:"tls_port"`
	SDPSocket       bool   `yaml:"sdp_socket"       mapstructure:"sdp_socket"`
	HLCSocket       bool   `yaml:"hlc_socket"       mapstructure:"hlc_socket"`
	ListenInterface string `yaml:"listen_interface" mapstructure:"listen_interface"`
}

type TCPConfig struct {
	RetransmitTimeoutMs int `yaml:"retransmit_timeout_ms" mapstructure:"retransmit_timeout_ms"`
	MaxRetransmits      int `yaml:"max_retransmits"       mapstructure:"max_retransmits"`
	IdleTimeoutMs       int `yaml:"idle_timeout_ms"       mapstructure:"idle_timeout_ms"`
}

type HLCConfig struct {
	EVSEID             string  `yaml:"evse_id"              mapstructure:"evse_id"`
	ServiceName        string  `yaml:"service_name"         mapstructure:"service_name"`
	MaxVoltage         float64 `yaml:"max_voltage"          mapstructure:"max_voltage"`
	MaxCurrent         float64 `yaml:"max_current"          mapstructure:"max_current"`
	MaxPowerKW         float64 `yaml:"max_power_kw"         mapstructure:"max_power_kw"`
	PeakCurrentRipple  float64 `yaml:"peak_current_ripple"  mapstructure:"peak_current_ripple"`
	WatchdogTimeoutMs  int     `yaml:"watchdog_timeout_ms"  mapstructure:"watchdog_timeout_ms"`
	WatchdogMaxRetries int     `yaml:"watchdog_max_retries" mapstructure:"watchdog_max_retries"`
}

type SessionConfig struct {
	IDStart    uint64 `yaml:"id_start"    mapstructure:"id_start"`
	IDStrategy string `yaml:"id_strategy" mapstructure:"id_strategy"`
}

type BenchConfig struct {
	CPState       string  `yaml:"cp_state"       mapstructure:"cp_state"`
	VoltageRamp   float64 `yaml:"voltage_ramp"   mapstructure:"voltage_ramp"`
	CurrentRamp   float64 `yaml:"current_ramp"   mapstructure:"current_ramp"`
	DemoteSamples int     `yaml:"demote_samples" mapstructure:"demote_samples"`
}

type TLSConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

type PKIConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type TelemetryConfig struct {
	MQTTBroker string `yaml:"mqtt_broker" mapstructure:"mqtt_broker"`
	Topic      string `yaml:"topic"       mapstructure:"topic"`
	ClientID   string `yaml:"client_id"   mapstructure:"client_id"`
	Encoding   string `yaml:"encoding"    mapstructure:"encoding"`
	QoS        int    `yaml:"qos"         mapstructure:"qos"`
}

type StoreConfig struct {
	MongoURI   string        `yaml:"mongo_uri"  mapstructure:"mongo_uri"`
	Database   string        `yaml:"database"   mapstructure:"database"`
	Collection string        `yaml:"collection" mapstructure:"collection"`
	Timeout    time.Duration `yaml:"timeout"    mapstructure:"timeout"`
}

type DiagConfig struct {
	Listen string        `yaml:"listen" mapstructure:"listen"`
	Token  string        `yaml:"token"  mapstructure:"token"`
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

type StatsConfig struct {
	Enabled           bool   `yaml:"enabled"             mapstructure:"enabled"`
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type ControllerConfig struct {
	TickMs int `yaml:"tick_ms" mapstructure:"tick_ms"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("link.mac", "02:00:00:00:00:01")
	v.SetDefault("link.transport", "serial")
	v.SetDefault("link.serial_port", "/dev/ttyUSB0")
	v.SetDefault("link.serial_baud", 115200)
	v.SetDefault("slac.get_sw_max_retries", 0)
	v.SetDefault("network.plain_port", 15118)
	v.SetDefault("network.tls_port", 15119)
	v.SetDefault("network.sdp_socket", false)
	v.SetDefault("network.hlc_socket", false)
	v.SetDefault("tcp.retransmit_timeout_ms", 1000)
	v.SetDefault("tcp.max_retransmits", 3)
	v.SetDefault("tcp.idle_timeout_ms", 30000)
	v.SetDefault("hlc.evse_id", "DE*JOULEPOINT*EVSE*0001")
	v.SetDefault("hlc.service_name", "DC Charging")
	v.SetDefault("hlc.max_voltage", 500.0)
	v.SetDefault("hlc.max_current", 125.0)
	v.SetDefault("hlc.max_power_kw", 50.0)
	v.SetDefault("hlc.peak_current_ripple", 2.0)
	v.SetDefault("hlc.watchdog_timeout_ms", 4000)
	v.SetDefault("hlc.watchdog_max_retries", 3)
	v.SetDefault("session.id_start", 1)
	v.SetDefault("session.id_strategy", "random")
	v.SetDefault("bench.cp_state", "B")
	v.SetDefault("bench.voltage_ramp", 50.0)
	v.SetDefault("bench.current_ramp", 20.0)
	v.SetDefault("bench.demote_samples", 18)
	v.SetDefault("tls.enabled", false)
	v.SetDefault("pki.dir", "./pki")
	v.SetDefault("telemetry.topic", "evse")
	v.SetDefault("telemetry.client_id", "evse-controller")
	v.SetDefault("telemetry.encoding", "json")
	v.SetDefault("telemetry.qos", 0)
	v.SetDefault("store.database", "evse")
	v.SetDefault("store.collection", "sessions")
	v.SetDefault("store.timeout", 5*time.Second)
	v.SetDefault("diag.window", 5*time.Minute)
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.report_interval_sec", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("controller.tick_ms", 20)
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// HardwareAddr parses link.mac.
func (c *Config) HardwareAddr() ([6]byte, error) {
	var out [6]byte
	mac, err := net.ParseMAC(c.Link.MAC)
	if err != nil {
		return out, fmt.Errorf("invalid link.mac %q: %w", c.Link.MAC, err)
	}
	if len(mac) != 6 {
		return out, fmt.Errorf("link.mac must be an EUI-48 address, got %q", c.Link.MAC)
	}
	copy(out[:], mac)
	return out, nil
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Link:          %s via %s\n", c.Link.MAC, c.Link.Transport))
	if c.Link.Transport == "serial" {
		sb.WriteString(fmt.Sprintf("  Serial:        %s @ %d\n", c.Link.SerialPort, c.Link.SerialBaud))
	}
	sb.WriteString(fmt.Sprintf("  HLC Ports:     plain=%d tls=%d (tls enabled=%v)\n", c.Network.PlainPort, c.Network.TLSPort, c.TLS.Enabled))
	sb.WriteString(fmt.Sprintf("  Sockets:       sdp=%v hlc=%v iface=%s\n", c.Network.SDPSocket, c.Network.HLCSocket, c.Network.ListenInterface))
	sb.WriteString(fmt.Sprintf("  EVSE ID:       %s\n", c.HLC.EVSEID))
	sb.WriteString(fmt.Sprintf("  Limits:        %gV %gA %gkW\n", c.HLC.MaxVoltage, c.HLC.MaxCurrent, c.HLC.MaxPowerKW))
	sb.WriteString(fmt.Sprintf("  Watchdog:      %dms (retries: %d)\n", c.HLC.WatchdogTimeoutMs, c.HLC.WatchdogMaxRetries))
	sb.WriteString(fmt.Sprintf("  TCP:           rto=%dms retries=%d idle=%dms\n", c.TCP.RetransmitTimeoutMs, c.TCP.MaxRetransmits, c.TCP.IdleTimeoutMs))
	sb.WriteString(fmt.Sprintf("  Session IDs:   %s from %d\n", c.Session.IDStrategy, c.Session.IDStart))
	if c.Telemetry.MQTTBroker != "" {
		sb.WriteString(fmt.Sprintf("  Telemetry:     %s/%s (%s)\n", c.Telemetry.MQTTBroker, c.Telemetry.Topic, c.Telemetry.Encoding))
	}
	if c.Store.MongoURI != "" {
		sb.WriteString(fmt.Sprintf("  Store:         %s.%s\n", c.Store.Database, c.Store.Collection))
	}
	if c.Diag.Listen != "" {
		sb.WriteString(fmt.Sprintf("  Diag:          %s (token=%v)\n", c.Diag.Listen, c.Diag.Token != ""))
	}
	if c.Link.CaptureFile != "" {
		sb.WriteString(fmt.Sprintf("  Capture:       %s\n", c.Link.CaptureFile))
	}
	return sb.String()
}
