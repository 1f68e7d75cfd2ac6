package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network. Applied to a [positions, features] matrix it is a pointwise
// layer: the same map is applied to every position independently,
// which is a width-1 convolution over a sequence.
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer returns the fcLayer whose weights and bias are the
// learnable nodes of layer in the graph under construction
func newFCLayer(b *builder, layer string, act *Activation) (*fcLayer,
	error) {
	weights, err := b.learnable(layer + weightsSuffix)
	if err != nil {
		return nil, fmt.Errorf("newFCLayer: %v", err)
	}
	bias, err := b.learnable(layer + biasSuffix)
	if err != nil {
		return nil, fmt.Errorf("newFCLayer: %v", err)
	}

	return &fcLayer{
		weights: weights,
		bias:    bias,
		act:     act,
	}, nil
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	x, err := G.Mul(x, f.weights)
	if err != nil {
		return nil, fmt.Errorf("fwd: %v", err)
	}

	// Broadcast the bias weights to all samples along the batch
	// dimension
	x, err = G.BroadcastAdd(x, f.bias, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("fwd: %v", err)
	}

	if f.act == nil || f.act.IsIdentity() {
		return x, nil
	}
	return f.act.fwd(x)
}
