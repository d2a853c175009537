package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"evse-controller/internal/clock"
	"evse-controller/internal/controller"
	"evse-controller/internal/exi"
	"evse-controller/internal/link"
	"evse-controller/internal/pcap"
	"evse-controller/internal/session"
	"evse-controller/internal/stats"
	"evse-controller/internal/store"
)

func newReplayCmd() *cobra.Command {
	var pcapFile string
	var statsOnly bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a recorded capture through the protocol stack",
		Long: `Reads an Ethernet pcap capture, drops the frames sent by this EVSE and feeds
the rest through the link layer with a simulated clock, printing every response.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if statsOnly {
				return showCaptureStats(pcapFile)
			}
			mac, err := cfg.HardwareAddr()
			if err != nil {
				return err
			}

			frames, err := pcap.NewParser().Parse(pcapFile)
			if err != nil {
				return fmt.Errorf("failed to parse pcap: %w", err)
			}
			inbound := pcap.Inbound(frames, net.HardwareAddr(mac[:]))
			if len(inbound) == 0 {
				return fmt.Errorf("no inbound frames found in %s", pcapFile)
			}

			codec, err := exi.NewCBORCodec()
			if err != nil {
				return err
			}
			clk := clock.NewManual(0)
			lb := link.NewLoopback()
			collector := stats.NewCollector()
			records := store.NewMemoryStore(0)
			cp, power := benchCollaborators(cfg)

			ccfg := controllerConfig(cfg, mac)
			ctrl := controller.New(ccfg, controller.Deps{
				Transceiver: lb,
				Codec:       codec,
				Pilot:       cp,
				Power:       power,
				Clock:       clk,
				Stats:       collector,
				Store:       records,
			})
			ctrl.Engine().SetIDGenerator(session.NewIDGenerator("sequential", 1, nil))

			fmt.Printf("Replaying %d of %d frames from %s\n\n", len(inbound), len(frames), pcapFile)
			prev := inbound[0].Timestamp
			for i, f := range inbound {
				advance(ctrl, clk, uint32(f.Timestamp.Sub(prev).Milliseconds()), ccfg.TickMs)
				prev = f.Timestamp

				lb.Inject(link.WrapReceived(f.Data))
				ctrl.Tick()
				fmt.Printf("%4d  <- %s\n", i+1, pcap.Classify(f.Data))
				for _, out := range lb.TakeFrames() {
					fmt.Printf("      -> %s\n", pcap.Classify(out))
				}
			}
			ctrl.WaitSaves()

			st := ctrl.Status()
			fmt.Printf("\nFinal state: cp=%s slac=%s tcp=%s hlc=%s protocol=%s\n",
				st.CPState, st.SlacState, st.TCPState, st.HLCState, st.Protocol)

			collector.Finish()
			fmt.Print(stats.NewReporter(collector, 0, "").FormatReport())
			return nil
		},
	}

	cmd.Flags().StringVar(&pcapFile, "pcap", "", "Input capture file")
	cmd.Flags().BoolVar(&statsOnly, "stats-only", false, "Show capture statistics only, do not replay")
	_ = cmd.MarkFlagRequired("pcap")
	return cmd
}

// advance moves the manual clock forward in tick-sized steps so timers
// fire in the order they would have live.
func advance(ctrl *controller.Controller, clk *clock.Manual, ms, tickMs uint32) {
	if tickMs == 0 {
		tickMs = controller.DefaultTickMs
	}
	for ms > tickMs {
		clk.Advance(tickMs)
		ctrl.Tick()
		ms -= tickMs
	}
	clk.Advance(ms)
}

func showCaptureStats(pcapFile string) error {
	counts, err := pcap.NewParser().CountMessages(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	fmt.Println("Capture Message Statistics:")
	total := 0
	for msgType, count := range counts {
		fmt.Printf("  %-40s %d\n", msgType, count)
		total += count
	}
	fmt.Printf("  %-40s %d\n", "Total:", total)
	return nil
}
