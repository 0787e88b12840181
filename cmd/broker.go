package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emul8/radiomedium/medium"
	"github.com/emul8/radiomedium/medium/trace"
)

// brokerOptions mirrors the broker flags.
type brokerOptions struct {
	port       int
	listen     string
	relay      string
	fanout     string
	traceLevel string
	traceOut   string
}

var brokerOpts brokerOptions

// applyBundle copies every bundle value whose flag was not set on the command line.
func (o *brokerOptions) applyBundle(s BrokerSection, changed func(string) bool) {
	setPtr(&o.port, s.Port, "port", changed)
	setString(&o.listen, s.Listen, "listen", changed)
	setString(&o.relay, s.Relay, "relay", changed)
	setString(&o.fanout, s.Fanout, "fanout", changed)
	setString(&o.traceLevel, s.TraceLevel, "trace-level", changed)
	setString(&o.traceOut, s.TraceOut, "trace-out", changed)
}

// config builds the broker configuration. --listen wins over --port.
func (o *brokerOptions) config() (medium.Config, error) {
	cfg := medium.DefaultConfig()
	cfg.Listen = fmt.Sprintf(":%d", o.port)
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	cfg.Relay = o.relay
	cfg.Fanout = o.fanout
	cfg.TraceLevel = trace.TraceLevel(o.traceLevel)
	if o.traceOut != "" && cfg.TraceLevel == trace.TraceLevelNone {
		logrus.Infof("--trace-out set, recording at %q level", trace.TraceLevelDecisions)
		cfg.TraceLevel = trace.TraceLevelDecisions
	}
	if !validPort(o.port) {
		return cfg, fmt.Errorf("port out of range: %d", o.port)
	}
	return cfg, cfg.Validate()
}

// runBroker serves until ctx is cancelled, then prints metrics to out and exports the
// decision trace to <traceOut>.yaml and <traceOut>.csv when traceOut is set.
// ready, if non-nil, receives the bound address once the broker listens.
func runBroker(ctx context.Context, cfg medium.Config, traceOut string, out io.Writer, ready chan<- string) error {
	s := medium.NewServer(cfg)
	if err := s.Listen(); err != nil {
		return err
	}
	if ready != nil {
		ready <- s.Addr()
	}
	if err := s.Serve(ctx); err != nil {
		return err
	}
	s.Metrics().Print(out, s.Clock().Now())

	if traceOut == "" {
		return nil
	}
	header := &trace.TraceHeader{
		Version:   1,
		TimeUnit:  "ticks",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Listen:    s.Addr(),
		Fanout:    cfg.Fanout,
		Relay:     cfg.Relay,
		FinalTime: s.Clock().Now(),
	}
	if err := trace.Export(s.Trace(), header, traceOut+".yaml", traceOut+".csv"); err != nil {
		return fmt.Errorf("exporting trace: %w", err)
	}
	logrus.Infof("decision trace written to %s.yaml and %s.csv", traceOut, traceOut)
	return nil
}

// brokerCmd runs the virtual-time broker
var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the virtual-time broker",
	Run: func(cmd *cobra.Command, args []string) {
		bundle, err := loadConfigFile(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if bundle != nil {
			brokerOpts.applyBundle(bundle.Broker, cmd.Flags().Changed)
		}
		cfg, err := brokerOpts.config()
		if err != nil {
			logrus.Fatalf("Invalid broker configuration: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runBroker(ctx, cfg, brokerOpts.traceOut, os.Stdout, nil); err != nil {
			logrus.Fatalf("Broker failed: %v", err)
		}
		logrus.Info("Broker stopped.")
	},
}

func init() {
	brokerCmd.Flags().IntVar(&brokerOpts.port, "port", medium.DefaultPort, "TCP port to listen on")
	brokerCmd.Flags().StringVar(&brokerOpts.listen, "listen", "", "Listen address host:port (overrides --port)")
	brokerCmd.Flags().StringVar(&brokerOpts.relay, "relay", "broadcast", "Transmit relay policy (none, broadcast, directed)")
	brokerCmd.Flags().StringVar(&brokerOpts.fanout, "fanout", string(medium.FanoutLockstep), "Follower fan-out mode (lockstep, notify, off)")
	brokerCmd.Flags().StringVar(&brokerOpts.traceLevel, "trace-level", string(trace.TraceLevelNone), "Decision trace level (none, decisions)")
	brokerCmd.Flags().StringVar(&brokerOpts.traceOut, "trace-out", "", "Export the decision trace to <path>.yaml and <path>.csv on exit")

	rootCmd.AddCommand(brokerCmd)
}
