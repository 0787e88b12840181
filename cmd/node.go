package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emul8/radiomedium/medium"
	"github.com/emul8/radiomedium/node"
)

// nodeOptions mirrors the node flags.
type nodeOptions struct {
	host          string
	port          int
	role          string
	timeCtrl      bool
	nodeID        int
	step          int64
	retryInterval time.Duration
	maxTime       int64
	txProb        float64
}

var nodeOpts nodeOptions

func (o *nodeOptions) applyBundle(s NodeSection, changed func(string) bool) {
	setString(&o.host, s.Host, "host", changed)
	setPtr(&o.port, s.Port, "port", changed)
	if !changed("timectrl") {
		setString(&o.role, s.Role, "role", changed)
	}
	setPtr(&o.nodeID, s.NodeID, "node-id", changed)
	setPtr(&o.step, s.Step, "step", changed)
	setPtr(&o.retryInterval, s.RetryInterval, "retry-interval", changed)
	setPtr(&o.maxTime, s.MaxTime, "max-time", changed)
	setPtr(&o.txProb, s.TxProb, "tx-prob", changed)
}

// config builds the agent configuration. --timectrl is shorthand for --role controller.
func (o *nodeOptions) config() (node.Config, error) {
	cfg := node.DefaultConfig()
	cfg.Addr = net.JoinHostPort(o.host, strconv.Itoa(o.port))
	cfg.Role = node.Role(o.role)
	if o.timeCtrl {
		cfg.Role = node.RoleController
	}
	cfg.NodeID = o.nodeID
	cfg.Step = o.step
	cfg.RetryInterval = o.retryInterval
	cfg.MaxTime = o.maxTime
	if !validPort(o.port) {
		return cfg, fmt.Errorf("port out of range: %d", o.port)
	}
	if o.txProb < 0 || o.txProb > 1 {
		return cfg, fmt.Errorf("tx-prob must be in [0, 1], got %f", o.txProb)
	}
	return cfg, cfg.Validate()
}

// runNode drives one agent with the reference beacon radio until it stops, then prints
// its metrics to out.
func runNode(ctx context.Context, cfg node.Config, txProb float64, out io.Writer) error {
	name := fmt.Sprintf("node-%d", cfg.NodeID)
	if cfg.NodeID < 0 {
		name = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	radio := node.NewBeaconRadio(name, txProb)
	agent := node.New(cfg, radio)
	err := agent.Run(ctx)
	agent.Metrics().Print(out, agent.NodeID(), agent.LocalTime())
	return err
}

// nodeCmd runs one simulated node
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a simulated node agent against the broker",
	Run: func(cmd *cobra.Command, args []string) {
		bundle, err := loadConfigFile(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if bundle != nil {
			nodeOpts.applyBundle(bundle.Node, cmd.Flags().Changed)
		}
		cfg, err := nodeOpts.config()
		if err != nil {
			logrus.Fatalf("Invalid node configuration: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runNode(ctx, cfg, nodeOpts.txProb, os.Stdout); err != nil {
			// fatal errors (lost session, rejected registration) end the process
			logrus.Fatalf("Node stopped: %v", err)
		}
		logrus.Info("Node finished.")
	},
}

func init() {
	nodeCmd.Flags().StringVar(&nodeOpts.host, "host", "localhost", "Broker host")
	nodeCmd.Flags().IntVar(&nodeOpts.port, "port", medium.DefaultPort, "Broker port")
	nodeCmd.Flags().StringVar(&nodeOpts.role, "role", string(node.RoleFollower), "Node role (controller, follower)")
	nodeCmd.Flags().BoolVar(&nodeOpts.timeCtrl, "timectrl", false, "Act as the time controller (same as --role controller)")
	nodeCmd.Flags().IntVar(&nodeOpts.nodeID, "node-id", -1, "Node identity; negative lets the broker assign one")
	nodeCmd.Flags().Int64Var(&nodeOpts.step, "step", node.DefaultStep, "Virtual time advanced per controller cycle (ticks)")
	nodeCmd.Flags().DurationVar(&nodeOpts.retryInterval, "retry-interval", time.Second, "Pause after a rejected time-set")
	nodeCmd.Flags().Int64Var(&nodeOpts.maxTime, "max-time", 0, "Controller stops at this virtual time (0 = run until interrupted)")
	nodeCmd.Flags().Float64Var(&nodeOpts.txProb, "tx-prob", 0, "Probability the reference radio beacons after each advance")

	rootCmd.AddCommand(nodeCmd)
}
