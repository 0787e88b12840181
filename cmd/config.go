package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emul8/radiomedium/medium"
	"github.com/emul8/radiomedium/medium/trace"
	"github.com/emul8/radiomedium/node"
)

// Bundle is the --config file: one section per subcommand.
// Nil pointer fields and empty strings mean "not set in YAML" and never override a flag.
// Every section must be listed here to satisfy KnownFields(true) strict parsing.
type Bundle struct {
	Broker BrokerSection `yaml:"broker"`
	Node   NodeSection   `yaml:"node"`
}

// BrokerSection holds broker settings.
type BrokerSection struct {
	Port       *int   `yaml:"port"`
	Listen     string `yaml:"listen"`
	Relay      string `yaml:"relay"`
	Fanout     string `yaml:"fanout"`
	TraceLevel string `yaml:"trace_level"`
	TraceOut   string `yaml:"trace_out"`
}

// NodeSection holds agent settings.
type NodeSection struct {
	Host          string         `yaml:"host"`
	Port          *int           `yaml:"port"`
	Role          string         `yaml:"role"`
	NodeID        *int           `yaml:"node_id"`
	Step          *int64         `yaml:"step"`
	RetryInterval *time.Duration `yaml:"retry_interval"`
	MaxTime       *int64         `yaml:"max_time"`
	TxProb        *float64       `yaml:"tx_prob"`
}

// LoadBundle reads a YAML config file with strict field checking: typos are errors.
// An empty file yields an empty bundle.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var b Bundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &b, nil
}

// Validate checks names and ranges of every value that is set.
func (b *Bundle) Validate() error {
	if b.Broker.Port != nil && !validPort(*b.Broker.Port) {
		return fmt.Errorf("broker.port out of range: %d", *b.Broker.Port)
	}
	if !medium.IsValidRelayPolicy(b.Broker.Relay) {
		return fmt.Errorf("unknown relay policy %q", b.Broker.Relay)
	}
	if !medium.IsValidFanoutMode(b.Broker.Fanout) {
		return fmt.Errorf("unknown fanout mode %q", b.Broker.Fanout)
	}
	if b.Broker.TraceLevel != "" && !trace.IsValidTraceLevel(b.Broker.TraceLevel) {
		return fmt.Errorf("unknown trace level %q", b.Broker.TraceLevel)
	}
	if b.Node.Port != nil && !validPort(*b.Node.Port) {
		return fmt.Errorf("node.port out of range: %d", *b.Node.Port)
	}
	if b.Node.Role != "" && node.Role(b.Node.Role) != node.RoleController && node.Role(b.Node.Role) != node.RoleFollower {
		return fmt.Errorf("unknown role %q", b.Node.Role)
	}
	if b.Node.Step != nil && *b.Node.Step <= 0 {
		return fmt.Errorf("step must be > 0, got %d", *b.Node.Step)
	}
	if b.Node.RetryInterval != nil && *b.Node.RetryInterval < 0 {
		return fmt.Errorf("retry_interval must be >= 0, got %v", *b.Node.RetryInterval)
	}
	if b.Node.MaxTime != nil && *b.Node.MaxTime < 0 {
		return fmt.Errorf("max_time must be >= 0, got %d", *b.Node.MaxTime)
	}
	if b.Node.TxProb != nil && (*b.Node.TxProb < 0 || *b.Node.TxProb > 1) {
		return fmt.Errorf("tx_prob must be in [0, 1], got %f", *b.Node.TxProb)
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// loadConfigFile loads and validates --config, or returns nil when none was given.
func loadConfigFile(path string) (*Bundle, error) {
	if path == "" {
		return nil, nil
	}
	b, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return b, nil
}

func setString(dst *string, v, flag string, changed func(string) bool) {
	if v != "" && !changed(flag) {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T, flag string, changed func(string) bool) {
	if v != nil && !changed(flag) {
		*dst = *v
	}
}
