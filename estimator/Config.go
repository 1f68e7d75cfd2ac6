package estimator

import (
	"fmt"

	"github.com/samuelfneumann/l2ipolicy/device"
	"github.com/samuelfneumann/l2ipolicy/initwfn"
	"github.com/samuelfneumann/l2ipolicy/network"
	"github.com/samuelfneumann/l2ipolicy/solver"
)

// Config implements a configuration of a PolicyEstimator
type Config struct {
	// LearningRate is the Adam step size. It is ignored when Solver is
	// set.
	LearningRate float64

	TripEmbDim int // Width of a raw trip embedding
	EmbedDim   int // Width of the pooled trip features
	HiddenDim  int // Width of the policy head's hidden layer

	// NAct is the size of the environment's action space. One action
	// is not modeled: the policy outputs NAct - 1 probabilities.
	NAct int
	NObs int // Width of an observation

	Heads       int
	Dropout     float64
	FilterInner int
	Residual    network.ResidualMode

	Device device.Kind

	// ProjectionInit initializes the projection of raw trip
	// embeddings. A nil ProjectionInit uses Glorot normal.
	ProjectionInit *initwfn.InitWFn

	// Solver overrides the default Adam solver
	Solver *solver.Solver
}

// Default returns the default configuration for an estimator with the
// given sizes
func Default(learningRate float64, tripEmbDim, embedDim, hiddenDim, nAct,
	nObs int) Config {
	return Config{
		LearningRate: learningRate,
		TripEmbDim:   tripEmbDim,
		EmbedDim:     embedDim,
		HiddenDim:    hiddenDim,
		NAct:         nAct,
		NObs:         nObs,
		Heads:        network.DefaultHeads,
		Dropout:      network.DefaultDropout,
		FilterInner:  network.DefaultFilterInner,
		Residual:     network.ResidualAttention,
		Device:       device.Auto,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.NAct < 2 {
		return fmt.Errorf("validate: at least 2 actions are needed, "+
			"have %v", c.NAct)
	}
	if c.Solver == nil && c.LearningRate <= 0 {
		return fmt.Errorf("validate: learning rate must be positive, "+
			"have %v", c.LearningRate)
	}
	if c.Solver != nil && c.Solver.Config == nil {
		return fmt.Errorf("validate: solver has no configuration")
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	if err := c.architecture().Validate(); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	return nil
}

// Actions returns the number of modeled actions
func (c Config) Actions() int {
	return c.NAct - 1
}

// architecture returns the network architecture described by c
func (c Config) architecture() network.Architecture {
	return network.Architecture{
		TripEmb:      c.TripEmbDim,
		Embed:        c.EmbedDim,
		Hidden:       c.HiddenDim,
		Actions:      c.Actions(),
		Observations: c.NObs,
		Heads:        c.Heads,
		Dropout:      c.Dropout,
		FilterInner:  c.FilterInner,
		Residual:     c.Residual,
	}
}

// projectionInit returns the initializer of the trip projection
func (c Config) projectionInit() (*initwfn.InitWFn, error) {
	if c.ProjectionInit != nil {
		return c.ProjectionInit, nil
	}
	return initwfn.NewGlorotN(1.0)
}

// solver returns the solver description used for updates
func (c Config) solver() (*solver.Solver, error) {
	if c.Solver != nil {
		return c.Solver, nil
	}
	return solver.NewDefaultAdam(c.LearningRate, 1)
}
