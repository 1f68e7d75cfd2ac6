package network

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// batchNorm normalizes each channel (column) of a [positions, channels]
// matrix and applies a learned per-channel scale and shift.
//
// In Train mode the statistics are those of the current batch, taken
// over all positions of all sequences, and are read out of the graph
// so they can be folded into the RunningStats. In Eval mode the
// running statistics are bound as graph inputs.
type batchNorm struct {
	layer string
	mode  Mode

	scale, shift *G.Node

	mean, variance  *G.Node
	meanVal, varVal G.Value
	runMean, runVar *G.Node
	positions       int
}

// newBatchNorm adds the nodes of a normalization layer to the graph
// under construction
func newBatchNorm(b *builder, layer string, channels int) (*batchNorm,
	error) {
	scale, err := b.learnable(layer + scaleSuffix)
	if err != nil {
		return nil, fmt.Errorf("newBatchNorm: %v", err)
	}
	shift, err := b.learnable(layer + shiftSuffix)
	if err != nil {
		return nil, fmt.Errorf("newBatchNorm: %v", err)
	}

	norm := &batchNorm{
		layer: layer,
		mode:  b.mode,
		scale: scale,
		shift: shift,
	}

	if b.mode == Eval {
		norm.runMean = G.NewVector(
			b.g,
			tensor.Float64,
			G.WithShape(channels),
			G.WithName(layer+runningMeanName),
			G.WithInit(G.Zeroes()),
		)
		norm.runVar = G.NewVector(
			b.g,
			tensor.Float64,
			G.WithShape(channels),
			G.WithName(layer+runningVarName),
			G.WithInit(G.Ones()),
		)
	}
	return norm, nil
}

// fwd adds the normalization of x to the computational graph
func (n *batchNorm) fwd(x *G.Node) (*G.Node, error) {
	n.positions = x.Shape()[0]

	var centered, variance *G.Node
	var err error
	switch n.mode {
	case Train:
		if n.mean, err = G.Mean(x, 0); err != nil {
			return nil, errors.Wrapf(err, "batch mean of %v", n.layer)
		}
		centered, err = G.BroadcastSub(x, n.mean, nil, []byte{0})
		if err != nil {
			return nil, errors.Wrapf(err, "centering %v", n.layer)
		}
		sq, err := G.Square(centered)
		if err != nil {
			return nil, errors.Wrapf(err, "batch variance of %v", n.layer)
		}
		if n.variance, err = G.Mean(sq, 0); err != nil {
			return nil, errors.Wrapf(err, "batch variance of %v", n.layer)
		}
		variance = n.variance

		G.Read(n.mean, &n.meanVal)
		G.Read(n.variance, &n.varVal)

	case Eval:
		centered, err = G.BroadcastSub(x, n.runMean, nil, []byte{0})
		if err != nil {
			return nil, errors.Wrapf(err, "centering %v", n.layer)
		}
		variance = n.runVar
	}

	eps := G.NewConstant(NormEpsilon)
	std, err := G.Add(variance, eps)
	if err != nil {
		return nil, errors.Wrapf(err, "smoothing variance of %v", n.layer)
	}
	if std, err = G.Sqrt(std); err != nil {
		return nil, errors.Wrapf(err, "standard deviation of %v", n.layer)
	}

	normed, err := G.BroadcastHadamardDiv(centered, std, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "normalizing %v", n.layer)
	}
	normed, err = G.BroadcastHadamardProd(normed, n.scale, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "scaling %v", n.layer)
	}
	return G.BroadcastAdd(normed, n.shift, nil, []byte{0})
}

// bind binds the running statistics of an Eval mode layer
func (n *batchNorm) bind(stats *RunningStats) error {
	if n.mode != Eval {
		return nil
	}
	if err := G.Let(n.runMean, stats.Mean(n.layer)); err != nil {
		return fmt.Errorf("bind: %v running mean: %v", n.layer, err)
	}
	if err := G.Let(n.runVar, stats.Variance(n.layer)); err != nil {
		return fmt.Errorf("bind: %v running variance: %v", n.layer, err)
	}
	return nil
}

// fold folds the batch statistics of the last run of a Train mode
// layer into the running statistics
func (n *batchNorm) fold(stats *RunningStats) error {
	if n.mode != Train {
		return nil
	}
	if n.meanVal == nil || n.varVal == nil {
		return fmt.Errorf("fold: %v has not been run", n.layer)
	}

	mean := append([]float64(nil), n.meanVal.Data().([]float64)...)
	variance := append([]float64(nil), n.varVal.Data().([]float64)...)
	return stats.update(n.layer, mean, variance, n.positions)
}
