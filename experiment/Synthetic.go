package experiment

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

// Synthetic is a single-step task with fixed inputs: every row of a
// batch holds the same observation and trip sequence, drawn once from
// a standard normal distribution, and only the target action is
// rewarded.
type Synthetic struct {
	state   *mat.Dense
	trips   *tensor.Dense
	target  int
	actions int
}

// NewSynthetic returns a new Synthetic task with batch rows of obs
// features and trip sequences of the given length and width. Actions
// is the number of modeled actions.
func NewSynthetic(batch, length, obs, tripEmb, actions, target int,
	seed uint64) (*Synthetic, error) {
	if batch < 1 || length < 1 || obs < 1 || tripEmb < 1 {
		return nil, fmt.Errorf("newSynthetic: sizes must be positive, have "+
			"batch=%v length=%v obs=%v tripEmb=%v", batch, length, obs,
			tripEmb)
	}
	if target < 0 || target >= actions {
		return nil, fmt.Errorf("newSynthetic: target %v outside of %v "+
			"actions", target, actions)
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}

	observation := make([]float64, obs)
	for i := range observation {
		observation[i] = normal.Rand()
	}
	sequence := make([]float64, length*tripEmb)
	for i := range sequence {
		sequence[i] = normal.Rand()
	}

	state := mat.NewDense(batch, obs, nil)
	trips := make([]float64, 0, batch*len(sequence))
	for i := 0; i < batch; i++ {
		state.SetRow(i, observation)
		trips = append(trips, sequence...)
	}

	return &Synthetic{
		state: state,
		trips: tensor.New(
			tensor.WithShape(batch, length, tripEmb),
			tensor.WithBacking(trips),
		),
		target:  target,
		actions: actions,
	}, nil
}

// State returns the [batch, obs] observations of the task
func (s *Synthetic) State() mat.Matrix {
	return s.state
}

// Trips returns the [batch, length, tripEmb] trip sequences of the task
func (s *Synthetic) Trips() tensor.Tensor {
	return s.trips
}

// Target returns the rewarded action
func (s *Synthetic) Target() int {
	return s.target
}

// Reward returns a reward of 1 for each target action and 0 otherwise
func (s *Synthetic) Reward(actions []int) []float64 {
	rewards := make([]float64, len(actions))
	for i, a := range actions {
		if a == s.target {
			rewards[i] = 1.0
		}
	}
	return rewards
}
