package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/baaaht/netlinkd/internal/stress"
	"github.com/baaaht/netlinkd/pkg/netlink"
)

var (
	stressProducers   int
	stressSubscribers int
	stressMessages    int
	stressGroup       int
	stressPayload     int
	stressRate        float64
	stressMaxQueued   int
	stressDrain       time.Duration
	stressOutput      string
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Load test the connection manager in process",
	Long: `Stress allocates subscriber connections, broadcasts from concurrent
producers and reports how many records reached each subscriber, whether
per-producer order held and how the pool and queues behaved.`,
	Args: cobra.NoArgs,
	RunE: runStress,
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("producers") {
		cfg.Stress.Producers = stressProducers
	}
	if flags.Changed("subscribers") {
		cfg.Stress.Subscribers = stressSubscribers
	}
	if flags.Changed("messages") {
		cfg.Stress.Messages = stressMessages
	}
	if flags.Changed("group") {
		cfg.Stress.Group = stressGroup
	}
	if flags.Changed("payload-size") {
		cfg.Stress.PayloadSize = stressPayload
	}
	if flags.Changed("rate") {
		cfg.Stress.Rate = stressRate
	}
	if flags.Changed("max-queued") {
		cfg.Netlink.MaxQueued = stressMaxQueued
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	mgr, err := netlink.New(netlink.FromConfig(cfg.Netlink), rootLog, netlink.NewMetrics(cfg.Metrics.Namespace, reg))
	if err != nil {
		return err
	}
	defer mgr.Close()

	runner, err := stress.NewRunner(mgr, cfg.Stress, rootLog)
	if err != nil {
		return err
	}
	if stressDrain > 0 {
		runner.SetDrainTimeout(stressDrain)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := runner.Run(ctx)
	if report != nil {
		if printErr := printReport(report); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return err
	}
	if report.Incomplete > 0 && cfg.Netlink.MaxQueued == 0 {
		return fmt.Errorf("%d subscribers did not see every terminator", report.Incomplete)
	}
	if report.OutOfOrder > 0 {
		return fmt.Errorf("%d records arrived out of order", report.OutOfOrder)
	}
	return nil
}

func printReport(report *stress.Report) error {
	switch stressOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(report)
	case "text", "":
		fmt.Printf("producers:     %d\n", report.Producers)
		fmt.Printf("subscribers:   %d\n", report.Subscribers)
		fmt.Printf("sent:          %d\n", report.Sent)
		fmt.Printf("received:      %d / %d\n", report.Received, report.Expected)
		fmt.Printf("out of order:  %d\n", report.OutOfOrder)
		fmt.Printf("incomplete:    %d\n", report.Incomplete)
		fmt.Printf("duration:      %s\n", report.Duration.Round(time.Millisecond))
		fmt.Printf("throughput:    %.0f records/s\n", report.Throughput())
		fmt.Printf("netlink:       %s\n", report.Netlink.String())
		return nil
	default:
		return fmt.Errorf("unknown output format %q", stressOutput)
	}
}

func init() {
	flags := stressCmd.Flags()
	flags.IntVar(&stressProducers, "producers", 0, "Concurrent broadcasters (default: from config)")
	flags.IntVar(&stressSubscribers, "subscribers", 0, "Subscribed connections (default: from config)")
	flags.IntVar(&stressMessages, "messages", 0, "Records per producer (default: from config)")
	flags.IntVar(&stressGroup, "group", 0, "Multicast group, 1..32 (default: from config)")
	flags.IntVar(&stressPayload, "payload-size", 0, "Payload bytes per record (default: from config)")
	flags.Float64Var(&stressRate, "rate", 0, "Records per second per producer, 0 for unpaced (default: from config)")
	flags.IntVar(&stressMaxQueued, "max-queued", 0, "Per-connection queue limit, 0 for unlimited (default: from config)")
	flags.DurationVar(&stressDrain, "drain-timeout", 0, "How long subscribers read after producers finish")
	flags.StringVarP(&stressOutput, "output", "o", "text", "Report format: text, json, yaml")
}
