package medium

import (
	"fmt"

	"github.com/emul8/radiomedium/medium/trace"
)

// DefaultPort is the broker's well-known TCP port.
const DefaultPort = 7711

// Config groups broker settings.
type Config struct {
	Listen     string           // listen address, e.g. ":7711"
	Relay      string           // relay policy name ("" = broadcast)
	Fanout     string           // fan-out mode ("" = lockstep)
	TraceLevel trace.TraceLevel // decision trace verbosity
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		Listen:     fmt.Sprintf(":%d", DefaultPort),
		Relay:      "broadcast",
		Fanout:     string(FanoutLockstep),
		TraceLevel: trace.TraceLevelNone,
	}
}

// Validate checks that policy names are recognized.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if !IsValidRelayPolicy(c.Relay) {
		return fmt.Errorf("unknown relay policy %q", c.Relay)
	}
	if !IsValidFanoutMode(c.Fanout) {
		return fmt.Errorf("unknown fanout mode %q", c.Fanout)
	}
	if !trace.IsValidTraceLevel(string(c.TraceLevel)) {
		return fmt.Errorf("unknown trace level %q", c.TraceLevel)
	}
	return nil
}
