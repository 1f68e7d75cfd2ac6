// Package agent defines the interfaces that a training loop uses to
// act with and improve a policy estimator, and the action selectors
// that turn predicted distributions into actions.
package agent

import (
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Predictor predicts a categorical distribution over actions for each
// row of a batch of observations and trip sequences
type Predictor interface {
	Predict(state mat.Matrix, trips tensor.Tensor) (*mat.Dense, error)
	Actions() int // Number of columns of a prediction
}

// Learner improves its predictions from the advantages of the actions
// taken on a batch
type Learner interface {
	Update(states mat.Matrix, trips tensor.Tensor, advantages []float64,
		actions []int) (float64, error)
}

// Estimator is a policy that can both act and learn.
//
// Estimators have a training and an evaluation mode; see the
// estimator package for what the modes change.
type Estimator interface {
	Predictor
	Learner
	Eval()        // Set estimator to evaluation mode
	Train()       // Set estimator to training mode
	IsEval() bool // Indicates if in evaluation mode
}

// Selector selects one action from each row of a matrix of action
// probabilities
type Selector interface {
	Select(probs mat.Matrix) ([]int, error)
}

// SelectActions predicts the action distributions of a batch with p
// and selects one action per row with s. Both the actions and the
// distributions are returned.
func SelectActions(p Predictor, s Selector, state mat.Matrix,
	trips tensor.Tensor) ([]int, *mat.Dense, error) {
	probs, err := p.Predict(state, trips)
	if err != nil {
		return nil, nil, err
	}
	actions, err := s.Select(probs)
	if err != nil {
		return nil, nil, err
	}
	return actions, probs, nil
}
