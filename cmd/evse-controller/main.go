package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evse-controller/internal/clock"
	"evse-controller/internal/config"
	"evse-controller/internal/controller"
	"evse-controller/internal/dcpower"
	"evse-controller/internal/diag"
	"evse-controller/internal/exi"
	"evse-controller/internal/hlc"
	"evse-controller/internal/ipv6"
	"evse-controller/internal/link"
	"evse-controller/internal/network"
	"evse-controller/internal/pcap"
	"evse-controller/internal/pilot"
	"evse-controller/internal/pki"
	"evse-controller/internal/session"
	"evse-controller/internal/slac"
	"evse-controller/internal/stats"
	"evse-controller/internal/store"
	"evse-controller/internal/tcp"
	"evse-controller/internal/telemetry"
	"evse-controller/pkg/types"
)

var (
	version = "1.0.0"
	cfgFile string
)

// shutdownTimeout bounds cleanup work after the main loop exits.
const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "evse-controller",
		Short: "EVSE controller - DC charging over HomePlug Green PHY",
		Long: `A Go-based charging station controller that pairs with a vehicle over SLAC,
answers IPv6 neighbor and SECC discovery, and runs the DIN 70121 / ISO 15118-2
high-level communication for DC charging.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")

	rootCmd.Flags().String("mac", "", "EVSE host MAC address")
	rootCmd.Flags().String("transport", "", "Modem transport (serial|loopback|none)")
	rootCmd.Flags().String("serial-port", "", "Serial device of the modem")
	rootCmd.Flags().Int("serial-baud", 0, "Serial baud rate")
	rootCmd.Flags().String("capture", "", "Record link frames to a pcap file")
	rootCmd.Flags().String("evse-id", "", "EVSE ID announced to the vehicle")
	rootCmd.Flags().Float64("max-voltage", 0, "Maximum output voltage in V")
	rootCmd.Flags().Float64("max-current", 0, "Maximum output current in A")
	rootCmd.Flags().Float64("max-power", 0, "Maximum output power in kW")
	rootCmd.Flags().Int("watchdog-timeout", -1, "HLC watchdog timeout in ms")
	rootCmd.Flags().Bool("tls", false, "Enable the TLS HLC endpoint")
	rootCmd.Flags().String("pki-dir", "", "Directory of the PEM store")
	rootCmd.Flags().String("mqtt-broker", "", "MQTT broker for telemetry")
	rootCmd.Flags().String("mongo-uri", "", "MongoDB URI for session records")
	rootCmd.Flags().String("diag-listen", "", "Diagnostic console listen address")
	rootCmd.Flags().String("listen-interface", "", "Network interface for the socket transports")

	rootCmd.AddCommand(newReplayCmd(), newPKICmd(), newDiagCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies changed flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK if using CLI flags
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("EVSE Controller v%s\n", version)
	fmt.Println("==============================")
	fmt.Print(cfg.Summary())
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		return err
	}
	mac, _ := cfg.HardwareAddr()

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	clk := clock.NewSystem()
	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile)
	if cfg.Stats.Enabled {
		reporter.StartPeriodicReport(ctx)
	}

	transceiver, err := openTransceiver(ctx, cfg)
	if err != nil {
		return err
	}
	defer transceiver.Close()

	deps := controller.Deps{
		Transceiver: transceiver,
		Clock:       clk,
		Stats:       collector,
	}
	if deps.Codec, err = exi.NewCBORCodec(); err != nil {
		return err
	}
	deps.Pilot, deps.Power = benchCollaborators(cfg)

	if cfg.Link.CaptureFile != "" {
		w, err := pcap.Create(cfg.Link.CaptureFile)
		if err != nil {
			return err
		}
		defer w.Close()
		deps.Tap = w
	}

	var pkiStore *pki.Store
	if cfg.TLS.Enabled || cfg.Diag.Listen != "" {
		if pkiStore, err = pki.NewStore(cfg.PKI.Dir); err != nil {
			return err
		}
	}
	var certs *network.CertReloader
	if cfg.TLS.Enabled {
		certs = network.NewCertReloader(pkiStore, collector)
		go certs.Watch(ctx)
		deps.TLS = certs
	}

	if cfg.Telemetry.MQTTBroker != "" {
		pub, err := telemetry.NewMQTTPublisher(telemetry.Config{
			Broker:   cfg.Telemetry.MQTTBroker,
			Topic:    cfg.Telemetry.Topic,
			ClientID: cfg.Telemetry.ClientID,
			Encoding: cfg.Telemetry.Encoding,
			QoS:      byte(cfg.Telemetry.QoS),
		})
		if err != nil {
			return err
		}
		go pub.Run(ctx)
		defer pub.Close()
		deps.Publisher = pub
	}

	sessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := sessions.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close session store")
		}
	}()
	deps.Store = sessions

	ctrl := controller.New(controllerConfig(cfg, mac), deps)
	ctrl.Engine().SetIDGenerator(session.NewIDGenerator(cfg.Session.IDStrategy, cfg.Session.IDStart, nil))

	if err := startSockets(ctx, cfg, mac, ctrl, certs, collector); err != nil {
		return err
	}

	if cfg.Diag.Listen != "" {
		auth := diag.NewAuth(cfg.Diag.Token, uint32(cfg.Diag.Window.Milliseconds()))
		srv := diag.NewServer(cfg.Diag.Listen, auth, ctrl, pkiStore, clk)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.WithError(err).Error("Diagnostic console stopped")
			}
		}()
	}

	ctrl.Run(ctx)

	collector.Finish()
	if cfg.Stats.Enabled {
		reporter.PrintFinalReport()
		if err := reporter.ExportJSON(); err != nil {
			log.WithError(err).Warn("Failed to export statistics")
		}
	}
	return nil
}

func openTransceiver(ctx context.Context, cfg *config.Config) (link.Transceiver, error) {
	switch cfg.Link.Transport {
	case "serial":
		s, err := link.OpenSerial(cfg.Link.SerialPort, cfg.Link.SerialBaud)
		if err != nil {
			return nil, err
		}
		s.Start(ctx)
		log.WithField("port", cfg.Link.SerialPort).Info("Modem transport started")
		return s, nil
	default:
		log.WithField("transport", cfg.Link.Transport).Info("No modem attached, link layer idle")
		return link.NewLoopback(), nil
	}
}

// benchCollaborators returns the simulated pilot and power module.
func benchCollaborators(cfg *config.Config) (types.ControlPilot, types.DCPower) {
	cp := pilot.NewSimulated(pilot.DefaultThresholds(), cfg.Bench.DemoteSamples)
	cp.SetState(types.CPState(cfg.Bench.CPState[0]))
	power := dcpower.NewSimulated(cfg.Bench.VoltageRamp, cfg.Bench.CurrentRamp, dcpower.DefaultTickMs)
	return cp, power
}

func openSessionStore(ctx context.Context, cfg *config.Config) (store.SessionStore, error) {
	if cfg.Store.MongoURI == "" {
		return store.NewMemoryStore(100), nil
	}
	return store.NewMongoStore(ctx, store.MongoConfig{
		URI:        cfg.Store.MongoURI,
		Database:   cfg.Store.Database,
		Collection: cfg.Store.Collection,
		Timeout:    cfg.Store.Timeout,
		AppName:    "evse-controller",
	})
}

func controllerConfig(cfg *config.Config, mac [6]byte) controller.Config {
	return controller.Config{
		MAC:    mac,
		TickMs: uint32(cfg.Controller.TickMs),
		Slac:   slac.Config{GetSwMaxRetries: cfg.Slac.GetSwMaxRetries},
		TCP: tcp.Config{
			Port:                uint16(cfg.Network.PlainPort),
			RetransmitTimeoutMs: uint32(cfg.TCP.RetransmitTimeoutMs),
			MaxRetransmits:      cfg.TCP.MaxRetransmits,
			IdleTimeoutMs:       uint32(cfg.TCP.IdleTimeoutMs),
		},
		HLC: hlc.Config{
			EVSEID:             cfg.HLC.EVSEID,
			ServiceName:        cfg.HLC.ServiceName,
			MaxVoltage:         cfg.HLC.MaxVoltage,
			MaxCurrent:         cfg.HLC.MaxCurrent,
			MaxPowerKW:         cfg.HLC.MaxPowerKW,
			PeakCurrentRipple:  cfg.HLC.PeakCurrentRipple,
			WatchdogTimeoutMs:  uint32(cfg.HLC.WatchdogTimeoutMs),
			WatchdogMaxRetries: cfg.HLC.WatchdogMaxRetries,
		},
		SDP: ipv6.SDPPolicy{
			PlainPort: uint16(cfg.Network.PlainPort),
			TLSPort:   uint16(cfg.Network.TLSPort),
		},
	}
}

// startSockets opens the host-network transports selected in the config.
func startSockets(ctx context.Context, cfg *config.Config, mac [6]byte, ctrl *controller.Controller, certs *network.CertReloader, collector *stats.Collector) error {
	if cfg.Network.SDPSocket {
		ip := ipv6.LinkLocal(mac)
		if cfg.Network.ListenInterface != "" {
			addr, err := network.InterfaceAddr(cfg.Network.ListenInterface)
			if err != nil {
				return err
			}
			ip = addr
		}
		policy := ipv6.SDPPolicy{PlainPort: uint16(cfg.Network.PlainPort), TLSPort: uint16(cfg.Network.TLSPort)}
		sdp, err := network.ListenSDP(fmt.Sprintf("[::]:%d", ipv6.SDPPort), cfg.Network.ListenInterface, ip, policy, ctrl, collector)
		if err != nil {
			return err
		}
		sdp.Start(ctx)
		log.WithField("addr", sdp.LocalAddr().String()).Info("SDP server started")
	}

	if !cfg.Network.HLCSocket {
		return nil
	}
	plain, err := network.ListenTCP(fmt.Sprintf(":%d", cfg.Network.PlainPort), ctrl, ctrl.Engine(), collector)
	if err != nil {
		return err
	}
	plain.Start(ctx)
	log.WithField("addr", plain.Addr().String()).Info("HLC listener started")

	if certs != nil {
		secure, err := network.ListenTLS(fmt.Sprintf(":%d", cfg.Network.TLSPort), certs, ctrl, ctrl.Engine(), collector)
		if err != nil {
			return err
		}
		secure.Start(ctx)
		log.WithFields(log.Fields{
			"addr":  secure.Addr().String(),
			"ready": certs.Ready(),
		}).Info("HLC TLS listener started")
	}
	return nil
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	stringFlags := map[string]string{
		"log-level":        "logging.level",
		"mac":              "link.mac",
		"transport":        "link.transport",
		"serial-port":      "link.serial_port",
		"capture":          "link.capture_file",
		"evse-id":          "hlc.evse_id",
		"pki-dir":          "pki.dir",
		"mqtt-broker":      "telemetry.mqtt_broker",
		"mongo-uri":        "store.mongo_uri",
		"diag-listen":      "diag.listen",
		"listen-interface": "network.listen_interface",
	}
	for flag, key := range stringFlags {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			val, _ := cmd.Flags().GetString(flag)
			v.Set(key, val)
		}
	}
	if cmd.Flags().Changed("serial-baud") {
		val, _ := cmd.Flags().GetInt("serial-baud")
		v.Set("link.serial_baud", val)
	}
	if cmd.Flags().Changed("max-voltage") {
		val, _ := cmd.Flags().GetFloat64("max-voltage")
		v.Set("hlc.max_voltage", val)
	}
	if cmd.Flags().Changed("max-current") {
		val, _ := cmd.Flags().GetFloat64("max-current")
		v.Set("hlc.max_current", val)
	}
	if cmd.Flags().Changed("max-power") {
		val, _ := cmd.Flags().GetFloat64("max-power")
		v.Set("hlc.max_power_kw", val)
	}
	if cmd.Flags().Changed("watchdog-timeout") {
		val, _ := cmd.Flags().GetInt("watchdog-timeout")
		v.Set("hlc.watchdog_timeout_ms", val)
	}
	if cmd.Flags().Changed("tls") {
		val, _ := cmd.Flags().GetBool("tls")
		v.Set("tls.enabled", val)
	}
}
