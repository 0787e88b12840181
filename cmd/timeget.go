package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emul8/radiomedium/link"
	"github.com/emul8/radiomedium/medium"
)

var (
	timeHost    string        // Broker host for the time query
	timePort    int           // Broker port for the time query
	timeTimeout time.Duration // Bound on the whole query
)

// queryTime asks the broker at addr for the current virtual time.
func queryTime(ctx context.Context, addr string) (int64, error) {
	conn, err := link.Dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := conn.Send(link.NewRequest(link.CmdTimeGet, nil, nil)); err != nil {
		return 0, err
	}
	for {
		m, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("reading reply: %w", err)
		}
		if !m.IsReply() {
			continue // pushed advances and notifications are not ours
		}
		if m.Error != nil {
			return 0, fmt.Errorf("broker error: %s", m.Error.Desc)
		}
		if m.Reply == nil || m.Reply.Time == nil {
			return 0, fmt.Errorf("unexpected reply: %s", m)
		}
		return *m.Reply.Time, nil
	}
}

// timeCmd prints the broker's virtual time
var timeCmd = &cobra.Command{
	Use:   "time",
	Short: "Print the broker's current virtual time",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeTimeout)
		defer cancel()
		t, err := queryTime(ctx, net.JoinHostPort(timeHost, strconv.Itoa(timePort)))
		if err != nil {
			logrus.Fatalf("time-get failed: %v", err)
		}
		fmt.Println(t)
	},
}

func init() {
	timeCmd.Flags().StringVar(&timeHost, "host", "localhost", "Broker host")
	timeCmd.Flags().IntVar(&timePort, "port", medium.DefaultPort, "Broker port")
	timeCmd.Flags().DurationVar(&timeTimeout, "timeout", 5*time.Second, "Give up after this long")

	rootCmd.AddCommand(timeCmd)
}
