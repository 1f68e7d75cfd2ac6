// Package experiment implements functionality for running an experiment
package experiment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samuelfneumann/l2ipolicy/agent"
	"github.com/samuelfneumann/l2ipolicy/experiment/checkpointer"
	"github.com/samuelfneumann/l2ipolicy/experiment/tracker"
)

// Experiment outlines structs that can run experiments. Experiments
// send the data of each step to their Trackers, which cache it in RAM
// until Save is called, usually after the experiment has been run.
type Experiment interface {
	Run(ctx context.Context) error
	RunStep() (tracker.Step, error)

	// Adds a new tracker.Tracker to the (possibly already running)
	// experiment
	Register(t tracker.Tracker)

	// Save all tracked data to disk
	Save() error
}

// Type is a type of experiment
type Type string

const (
	OnlineExp Type = "Online"
)

// Config represents a configuration of an experiment on the Synthetic
// task
type Config struct {
	Type
	Steps  int
	Batch  int // Rows of the task's batch
	Length int // Trip sequence length
	Target int // Rewarded action

	// BaselineRate is the step size of the running reward baseline
	BaselineRate float64

	// AdvantageClip clips advantages to [-AdvantageClip, AdvantageClip]
	// when positive
	AdvantageClip float64

	Seed uint64
}

// DefaultConfig returns the default experiment configuration
func DefaultConfig() Config {
	return Config{
		Type:         OnlineExp,
		Steps:        200,
		Batch:        16,
		Length:       5,
		Target:       0,
		BaselineRate: 0.1,
		Seed:         1,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Type != OnlineExp {
		return fmt.Errorf("validate: no such experiment type %q", c.Type)
	}
	if c.Steps < 1 || c.Batch < 1 || c.Length < 1 {
		return fmt.Errorf("validate: steps, batch and length must be "+
			"positive, have (%v, %v, %v)", c.Steps, c.Batch, c.Length)
	}
	if c.BaselineRate < 0 || c.BaselineRate > 1 {
		return fmt.Errorf("validate: baseline rate must be in [0, 1], "+
			"have %v", c.BaselineRate)
	}
	if c.AdvantageClip < 0 {
		return fmt.Errorf("validate: advantage clip must be non-negative, "+
			"have %v", c.AdvantageClip)
	}
	return nil
}

// CreateExp creates the experiment described by c, training e on a
// Synthetic task with observations of obs features and trip
// embeddings of tripEmb features
func (c Config) CreateExp(e agent.Estimator, obs, tripEmb int,
	logger zerolog.Logger, t []tracker.Tracker,
	check []checkpointer.Checkpointer) (Experiment, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("createExp: %v", err)
	}

	task, err := NewSynthetic(c.Batch, c.Length, obs, tripEmb, e.Actions(),
		c.Target, c.Seed)
	if err != nil {
		return nil, fmt.Errorf("createExp: %v", err)
	}

	switch c.Type {
	case OnlineExp:
		online, err := NewOnline(e, agent.NewSampler(c.Seed), task, c,
			logger, t, check)
		if err != nil {
			return nil, fmt.Errorf("createExp: %v", err)
		}
		return online, nil
	}
	return nil, fmt.Errorf("createExp: no such experiment type %v", c.Type)
}
