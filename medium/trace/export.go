package trace

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TraceHeader captures metadata written alongside an exported decision trace.
type TraceHeader struct {
	Version   int    `yaml:"trace_version"`
	TimeUnit  string `yaml:"time_unit"`
	CreatedAt string `yaml:"created_at,omitempty"`
	Listen    string `yaml:"listen,omitempty"`
	Fanout    string `yaml:"fanout,omitempty"`
	Relay     string `yaml:"relay,omitempty"`
	FinalTime int64  `yaml:"final_time"`

	Summary *HeaderSummary `yaml:"summary,omitempty"`
}

// HeaderSummary is the subset of TraceSummary persisted in the header.
type HeaderSummary struct {
	TimeSets  int `yaml:"time_sets"`
	Accepted  int `yaml:"accepted"`
	Rejected  int `yaml:"rejected"`
	Elections int `yaml:"elections"`
	Releases  int `yaml:"releases"`
	Relays    int `yaml:"relays"`
}

// CSV column headers for the decision stream.
var traceColumns = []string{
	"seq", "kind", "session", "node_id", "requested_time", "clock",
	"accepted", "elected", "targets", "reason",
}

// row is one line of the combined decision stream.
type row struct {
	seq    int64
	fields []string
}

// Export writes the trace header (YAML) and the decision stream (CSV, ordered by seq)
// to separate files.
func Export(bt *BrokerTrace, header *TraceHeader, headerPath, dataPath string) error {
	s := Summarize(bt)
	header.Summary = &HeaderSummary{
		TimeSets:  s.TotalTimeSets,
		Accepted:  s.AcceptedCount,
		Rejected:  s.RejectedCount,
		Elections: s.Elections,
		Releases:  s.Releases,
		Relays:    s.RelayedNotifications,
	}

	headerData, err := yaml.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling trace header: %w", err)
	}
	if err := os.WriteFile(headerPath, headerData, 0644); err != nil {
		return fmt.Errorf("writing trace header: %w", err)
	}

	file, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("creating trace data file: %w", err)
	}
	defer func() { _ = file.Close() }()

	writer := csv.NewWriter(file)
	if err := writer.Write(traceColumns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range collectRows(bt) {
		if err := writer.Write(r.fields); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", r.seq, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func collectRows(bt *BrokerTrace) []row {
	var rows []row
	for _, r := range bt.TimeSets() {
		rows = append(rows, row{seq: r.Seq, fields: []string{
			strconv.FormatInt(r.Seq, 10),
			"time-set",
			strconv.FormatUint(r.Session, 10),
			strconv.Itoa(r.NodeID),
			strconv.FormatInt(r.Requested, 10),
			strconv.FormatInt(r.Clock, 10),
			strconv.FormatBool(r.Accepted),
			strconv.FormatBool(r.Elected),
			"",
			r.Reason,
		}})
	}
	for _, r := range bt.Releases() {
		rows = append(rows, row{seq: r.Seq, fields: []string{
			strconv.FormatInt(r.Seq, 10),
			"release",
			strconv.FormatUint(r.Session, 10),
			"-1",
			"",
			strconv.FormatInt(r.Clock, 10),
			"",
			"",
			"",
			r.Reason,
		}})
	}
	for _, r := range bt.Relays() {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = strconv.FormatUint(t, 10)
		}
		rows = append(rows, row{seq: r.Seq, fields: []string{
			strconv.FormatInt(r.Seq, 10),
			"relay",
			strconv.FormatUint(r.Session, 10),
			strconv.Itoa(r.SourceNodeID),
			"",
			strconv.FormatInt(r.Clock, 10),
			"",
			"",
			strings.Join(targets, ";"),
			r.Policy,
		}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return rows
}

// LoadHeader reads an exported trace header.
func LoadHeader(path string) (*TraceHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trace header: %w", err)
	}
	var header TraceHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parsing trace header: %w", err)
	}
	return &header, nil
}
