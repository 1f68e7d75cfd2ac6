package agent

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

func TestSamplerSelect(t *testing.T) {
	s := NewSampler(42)

	probs := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		0, 0, 1,
		1, 0, 0,
	})
	actions, err := s.Select(probs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, actions)
}

func TestSamplerFrequencies(t *testing.T) {
	s := NewSampler(7)
	probs := mat.NewDense(1, 2, []float64{0.25, 0.75})

	n := 4000
	counts := make([]float64, 2)
	for i := 0; i < n; i++ {
		actions, err := s.Select(probs)
		require.NoError(t, err)
		counts[actions[0]]++
	}
	assert.InDelta(t, 0.75, counts[1]/float64(n), 0.05)
}

func TestSamplerInvalid(t *testing.T) {
	s := NewSampler(0)

	_, err := s.Select(mat.NewDense(1, 2, []float64{0, 0}))
	assert.Error(t, err)
	_, err = s.Select(mat.NewDense(1, 2, []float64{-1, 2}))
	assert.Error(t, err)
	_, err = s.Select(mat.NewDense(1, 2, []float64{math.NaN(), 1}))
	assert.Error(t, err)
}

func TestGreedySelect(t *testing.T) {
	g := NewGreedy(1)

	probs := mat.NewDense(2, 3, []float64{
		0.1, 0.7, 0.2,
		0.5, 0.2, 0.3,
	})
	actions, err := g.Select(probs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, actions)

	// Ties are broken between the maximal entries only
	tied := mat.NewDense(1, 3, []float64{0.4, 0.2, 0.4})
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		actions, err := g.Select(tied)
		require.NoError(t, err)
		seen[actions[0]] = true
	}
	assert.Equal(t, map[int]bool{0: true, 2: true}, seen)
}

// uniform predicts a uniform distribution over its actions
type uniform struct {
	actions int
}

func (u uniform) Predict(state mat.Matrix, _ tensor.Tensor) (*mat.Dense,
	error) {
	rows, _ := state.Dims()
	probs := mat.NewDense(rows, u.actions, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < u.actions; j++ {
			probs.Set(i, j, 1/float64(u.actions))
		}
	}
	return probs, nil
}

func (u uniform) Actions() int { return u.actions }

func TestSelectActions(t *testing.T) {
	state := mat.NewDense(4, 2, nil)
	actions, probs, err := SelectActions(uniform{3}, NewSampler(3), state, nil)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	r, c := probs.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 3, c)
	for _, a := range actions {
		assert.True(t, a >= 0 && a < 3)
	}
}
