package experiment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samuelfneumann/l2ipolicy/agent"
	"github.com/samuelfneumann/l2ipolicy/experiment/checkpointer"
	"github.com/samuelfneumann/l2ipolicy/experiment/tracker"
	"github.com/samuelfneumann/l2ipolicy/utils/floatutils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Online is an Experiment that trains an estimator online: on each
// step actions are sampled from the current policy, rewarded by the
// task and immediately used for a REINFORCE update. The advantage of
// an action is its reward minus a running average of past mean
// rewards.
type Online struct {
	estimator agent.Estimator
	selector  agent.Selector
	task      *Synthetic

	maxSteps     int
	currentSteps int

	baseline      float64
	baselineRate  float64
	advantageClip float64

	trackers      []tracker.Tracker
	checkpointers []checkpointer.Checkpointer
	logger        zerolog.Logger
}

// NewOnline creates and returns a new online experiment of c.Steps
// steps training e on task, selecting actions with s.
func NewOnline(e agent.Estimator, s agent.Selector, task *Synthetic,
	c Config, logger zerolog.Logger, t []tracker.Tracker,
	check []checkpointer.Checkpointer) (*Online, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("newOnline: %v", err)
	}
	return &Online{
		estimator:     e,
		selector:      s,
		task:          task,
		maxSteps:      c.Steps,
		baselineRate:  c.BaselineRate,
		advantageClip: c.AdvantageClip,
		trackers:      t,
		checkpointers: check,
		logger:        logger,
	}, nil
}

// Register registers a Tracker with the experiment so that data
// generated during the experiment can be tracked and saved
func (o *Online) Register(t tracker.Tracker) {
	o.trackers = append(o.trackers, t)
}

// RunStep runs a single step of the experiment
func (o *Online) RunStep() (tracker.Step, error) {
	if o.estimator.IsEval() {
		o.estimator.Train()
	}

	state, trips := o.task.State(), o.task.Trips()
	actions, probs, err := agent.SelectActions(o.estimator, o.selector,
		state, trips)
	if err != nil {
		return tracker.Step{}, fmt.Errorf("runStep: %v", err)
	}

	rewards := o.task.Reward(actions)
	meanReward := floats.Sum(rewards) / float64(len(rewards))

	advantages := make([]float64, len(rewards))
	for i, r := range rewards {
		advantages[i] = r - o.baseline
		if o.advantageClip > 0 {
			advantages[i] = floatutils.Clip(advantages[i], -o.advantageClip,
				o.advantageClip)
		}
	}

	loss, err := o.estimator.Update(state, trips, advantages, actions)
	if err != nil {
		return tracker.Step{}, fmt.Errorf("runStep: %v", err)
	}
	o.baseline += o.baselineRate * (meanReward - o.baseline)
	o.currentSteps++

	step := tracker.Step{
		Number:     o.currentSteps,
		Loss:       loss,
		MeanReward: meanReward,
		TargetProb: columnMean(probs, o.task.Target()),
	}
	o.track(step)
	if err := o.checkpoint(step); err != nil {
		return step, fmt.Errorf("runStep: %v", err)
	}

	o.logger.Debug().
		Int("step", step.Number).
		Float64("loss", step.Loss).
		Float64("mean_reward", step.MeanReward).
		Float64("target_prob", step.TargetProb).
		Msg("experiment step")
	return step, nil
}

// Run runs the experiment until all steps are completed or ctx is
// cancelled
func (o *Online) Run(ctx context.Context) error {
	for o.currentSteps < o.maxSteps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := o.RunStep(); err != nil {
			return err
		}
	}
	return nil
}

// Save saves all the data cached by the Trackers to disk
func (o *Online) Save() error {
	for _, t := range o.trackers {
		if err := t.Save(); err != nil {
			return fmt.Errorf("save: %v", err)
		}
	}
	return nil
}

// track tracks the current step by caching its data in each Tracker
func (o *Online) track(s tracker.Step) {
	for _, t := range o.trackers {
		t.Track(s)
	}
}

// checkpoint runs each Checkpointer on the current step
func (o *Online) checkpoint(s tracker.Step) error {
	for _, c := range o.checkpointers {
		if err := c.Checkpoint(s.Number); err != nil {
			return fmt.Errorf("checkpoint: %v", err)
		}
	}
	return nil
}

// columnMean returns the mean of column j of m
func columnMean(m mat.Matrix, j int) float64 {
	col := mat.Col(nil, j, m)
	return floats.Sum(col) / float64(len(col))
}
