package scan

import (
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/w1xm/dish_interface/dish"
)

type Outcome string

const (
	Completed     Outcome = "completed"
	HardwareFault Outcome = "hardware_fault"
	Aborted       Outcome = "aborted"
	SinkFailure   Outcome = "sink_failure"
)

// Gap is a grid point skipped after a recoverable failure.
type Gap struct {
	Index  int           `yaml:"index" json:"index"`
	Target dish.Position `yaml:"target" json:"target"`
	Reason string        `yaml:"reason" json:"reason"`
}

// Summary describes one run.
type Summary struct {
	RunID    string    `yaml:"run_id" json:"run_id"`
	Sink     string    `yaml:"sink,omitempty" json:"sink,omitempty"`
	Plan     Plan      `yaml:"plan" json:"plan"`
	Started  time.Time `yaml:"started" json:"started"`
	Finished time.Time `yaml:"finished" json:"finished"`
	Total    int       `yaml:"total" json:"total"`
	Visited  int       `yaml:"visited" json:"visited"`
	Recorded int       `yaml:"recorded" json:"recorded"`
	Gaps     []Gap     `yaml:"gaps" json:"gaps"`
	Outcome  Outcome   `yaml:"outcome" json:"outcome"`
	Error    string    `yaml:"error,omitempty" json:"error,omitempty"`
}

// WriteSummary atomically replaces path with s encoded as YAML.
func WriteSummary(path string, s Summary) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending summary: %w", err)
	}
	defer pending.Cleanup()

	enc := yaml.NewEncoder(pending)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(data []byte) (Summary, error) {
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}
