package solver

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// RMSPropConfig implements a specific configuration of the RMSProp
// solver
type RMSPropConfig struct {
	StepSize float64
	Epsilon  float64
	Rho      float64
	Batch    int
	Clip     float64 // <= 0 if no clipping
}

// NewDefaultRMSProp returns a new RMSProp Solver with default
// hyperparameters
func NewDefaultRMSProp(stepSize float64, batchSize int) (*Solver, error) {
	return NewRMSProp(stepSize, 1e-8, 0.999, batchSize, -1.0)
}

// NewRMSProp returns a new RMSProp Solver
func NewRMSProp(stepSize, epsilon, rho float64, batchSize int,
	clip float64) (*Solver, error) {
	rmsprop := RMSPropConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Rho:      rho,
		Batch:    batchSize,
		Clip:     clip,
	}

	return newSolver(RMSProp, rmsprop)
}

// Create returns a new Gorgonia RMSProp Solver as described by the
// RMSPropConfig
func (r RMSPropConfig) Create() G.Solver {
	opts := []G.SolverOpt{
		G.WithLearnRate(r.StepSize),
		G.WithEps(r.Epsilon),
		G.WithRho(r.Rho),
		G.WithBatchSize(float64(r.Batch)),
	}
	if r.Clip > 0 {
		opts = append(opts, G.WithClip(r.Clip))
	}
	return G.NewRMSPropSolver(opts...)
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (r RMSPropConfig) ValidType(t Type) bool {
	return t == RMSProp
}

// Validate checks the RMSProp hyperparameters
func (r RMSPropConfig) Validate() error {
	if r.StepSize <= 0 {
		return fmt.Errorf("rmsprop: step size must be positive, have %v",
			r.StepSize)
	}
	if r.Rho < 0 || r.Rho >= 1 {
		return fmt.Errorf("rmsprop: rho must be in [0, 1), have %v", r.Rho)
	}
	if r.Batch < 1 {
		return fmt.Errorf("rmsprop: batch must be positive, have %v", r.Batch)
	}
	return nil
}

// LearningRate returns the step size of the solver
func (r RMSPropConfig) LearningRate() float64 {
	return r.StepSize
}
