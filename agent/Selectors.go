package agent

import (
	"fmt"
	"math"

	"github.com/samuelfneumann/l2ipolicy/utils/floatutils"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler selects actions by sampling from each row of a distribution
type Sampler struct {
	source rand.Source
}

// NewSampler returns a new Sampler with the given seed
func NewSampler(seed uint64) *Sampler {
	return &Sampler{source: rand.NewSource(seed)}
}

// Select samples an action from each row of probs. Rows need not be
// normalized but must have non-negative entries and a positive sum.
func (s *Sampler) Select(probs mat.Matrix) ([]int, error) {
	rows, cols := probs.Dims()
	actions := make([]int, rows)
	row := make([]float64, cols)
	for i := range actions {
		mat.Row(row, i, probs)
		if err := validWeights(row); err != nil {
			return nil, fmt.Errorf("select: row %d: %v", i, err)
		}

		dist := distuv.NewCategorical(row, s.source)
		actions[i] = int(dist.Rand())
	}
	return actions, nil
}

// Greedy selects the most probable action of each row, breaking ties
// randomly
type Greedy struct {
	rng *rand.Rand
}

// NewGreedy returns a new Greedy selector with the given seed
func NewGreedy(seed uint64) *Greedy {
	return &Greedy{rng: rand.New(rand.NewSource(seed))}
}

// Select returns the index of the largest entry of each row of probs
func (g *Greedy) Select(probs mat.Matrix) ([]int, error) {
	rows, cols := probs.Dims()
	actions := make([]int, rows)
	row := make([]float64, cols)
	for i := range actions {
		mat.Row(row, i, probs)
		if floats.HasNaN(row) {
			return nil, fmt.Errorf("select: row %d has NaN entries", i)
		}

		_, indices := floatutils.MaxSlice(row)
		actions[i] = indices[g.rng.Intn(len(indices))]
	}
	return actions, nil
}

// validWeights returns an error if w are not the weights of a
// categorical distribution
func validWeights(w []float64) error {
	if floats.HasNaN(w) {
		return fmt.Errorf("weights have NaN entries")
	}
	if floats.Min(w) < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if sum := floats.Sum(w); sum <= 0 || math.IsInf(sum, 1) {
		return fmt.Errorf("weights must have a finite positive sum, "+
			"have %v", sum)
	}
	return nil
}
