package node

import (
	"fmt"
	"time"
)

// Role is fixed at startup.
type Role string

const (
	// RoleController drives virtual time forward.
	RoleController Role = "controller"
	// RoleFollower applies advances pushed by the broker.
	RoleFollower Role = "follower"
)

// DefaultStep is the virtual-time increment per controller cycle.
const DefaultStep int64 = 1000

// Config is the agent's startup configuration.
type Config struct {
	Addr          string        // broker host:port
	Role          Role          // controller or follower
	NodeID        int           // declared identity; negative lets the broker assign one
	Step          int64         // virtual time per controller cycle
	RetryInterval time.Duration // pause after a rejected time-set
	MaxTime       int64         // controller stops once local time reaches this; 0 = never
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:7711",
		Role:          RoleFollower,
		NodeID:        -1,
		Step:          DefaultStep,
		RetryInterval: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("broker address must not be empty")
	}
	if c.Role != RoleController && c.Role != RoleFollower {
		return fmt.Errorf("unknown role %q (want %q or %q)", c.Role, RoleController, RoleFollower)
	}
	if c.Step <= 0 {
		return fmt.Errorf("step must be > 0, got %d", c.Step)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval must be >= 0, got %v", c.RetryInterval)
	}
	if c.MaxTime < 0 {
		return fmt.Errorf("max time must be >= 0, got %d", c.MaxTime)
	}
	return nil
}
