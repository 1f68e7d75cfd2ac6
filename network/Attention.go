package network

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/l2ipolicy/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// selfAttention implements multi-head scaled dot-product
// self-attention over the positions of each sequence in a batch.
// Positions of different sequences never attend to one another.
type selfAttention struct {
	heads   int
	headDim int
	dropout float64

	query, key, value, out *fcLayer
}

// newSelfAttention adds the nodes of the attention sub-layer to the
// graph under construction. Dropout of the attention weights is only
// applied in Train mode.
func newSelfAttention(b *builder, arch Architecture) (*selfAttention, error) {
	a := &selfAttention{
		heads:   arch.Heads,
		headDim: arch.headDim(),
	}
	if b.mode == Train {
		a.dropout = arch.Dropout
	}

	var err error
	if a.query, err = newFCLayer(b, QueryLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "query projection")
	}
	if a.key, err = newFCLayer(b, KeyLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "key projection")
	}
	if a.value, err = newFCLayer(b, ValueLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "value projection")
	}
	if a.out, err = newFCLayer(b, AttnOutLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "output projection")
	}
	return a, nil
}

// fwd adds self-attention over x to the computational graph. The rows
// of x are the positions of batch sequences of the given length,
// stored sequence by sequence: x has shape [batch*length, embed].
func (a *selfAttention) fwd(x *G.Node, batch, length int) (*G.Node, error) {
	if length == 1 {
		return a.fwdSingle(x, batch)
	}

	q, err := a.split(a.query, x, batch, length)
	if err != nil {
		return nil, errors.Wrap(err, "queries")
	}
	k, err := a.split(a.key, x, batch, length)
	if err != nil {
		return nil, errors.Wrap(err, "keys")
	}
	v, err := a.split(a.value, x, batch, length)
	if err != nil {
		return nil, errors.Wrap(err, "values")
	}

	// [batch*heads, length, length]
	scores, err := G.BatchedMatMul(q, k, false, true)
	if err != nil {
		return nil, errors.Wrap(err, "attention scores")
	}
	scale := G.NewConstant(1.0 / math.Sqrt(float64(a.headDim)))
	if scores, err = G.HadamardProd(scores, scale); err != nil {
		return nil, errors.Wrap(err, "scaling attention scores")
	}

	// Normalize the scores of every query position
	scores, err = G.Reshape(scores, tensor.Shape{batch * a.heads * length,
		length})
	if err != nil {
		return nil, errors.Wrap(err, "flattening attention scores")
	}
	weights, err := op.SoftMax(scores)
	if err != nil {
		return nil, errors.Wrap(err, "attention weights")
	}
	weights, err = G.Reshape(weights, tensor.Shape{batch * a.heads, length,
		length})
	if err != nil {
		return nil, errors.Wrap(err, "attention weights")
	}
	if a.dropout > 0 {
		if weights, err = G.Dropout(weights, a.dropout); err != nil {
			return nil, errors.Wrap(err, "attention dropout")
		}
	}

	// [batch*heads, length, headDim]
	context, err := G.BatchedMatMul(weights, v)
	if err != nil {
		return nil, errors.Wrap(err, "attending to values")
	}
	context, err = a.merge(context, batch, length)
	if err != nil {
		return nil, errors.Wrap(err, "merging heads")
	}

	return a.out.fwd(context)
}

// fwdSingle adds self-attention over sequences of a single position,
// where every query attends only to itself with weight exp(s - s) = 1.
// BatchedMatMul cannot be used here since [n, 1, 1] operands lose their
// unit axes. Queries and keys stay in the graph with zero gradient.
func (a *selfAttention) fwdSingle(x *G.Node, batch int) (*G.Node, error) {
	rows := tensor.Shape{batch * a.heads, a.headDim}
	heads := func(proj *fcLayer) (*G.Node, error) {
		projected, err := proj.fwd(x)
		if err != nil {
			return nil, err
		}
		return G.Reshape(projected, rows)
	}

	q, err := heads(a.query)
	if err != nil {
		return nil, errors.Wrap(err, "queries")
	}
	k, err := heads(a.key)
	if err != nil {
		return nil, errors.Wrap(err, "keys")
	}
	v, err := heads(a.value)
	if err != nil {
		return nil, errors.Wrap(err, "values")
	}

	// [batch*heads]
	scores, err := G.HadamardProd(q, k)
	if err != nil {
		return nil, errors.Wrap(err, "attention scores")
	}
	ones := G.NewConstant(tensor.Ones(tensor.Float64, a.headDim))
	if scores, err = G.Mul(scores, ones); err != nil {
		return nil, errors.Wrap(err, "attention scores")
	}
	weights, err := G.Sub(scores, scores)
	if err != nil {
		return nil, errors.Wrap(err, "attention weights")
	}
	if weights, err = G.Exp(weights); err != nil {
		return nil, errors.Wrap(err, "attention weights")
	}
	if a.dropout > 0 {
		if weights, err = G.Dropout(weights, a.dropout); err != nil {
			return nil, errors.Wrap(err, "attention dropout")
		}
	}

	context, err := G.BroadcastHadamardProd(v, weights, nil, []byte{1})
	if err != nil {
		return nil, errors.Wrap(err, "attending to values")
	}
	if context, err = G.Reshape(context, tensor.Shape{batch,
		a.heads * a.headDim}); err != nil {
		return nil, errors.Wrap(err, "merging heads")
	}
	return a.out.fwd(context)
}

// split projects x and separates the heads of the projection, giving a
// [batch*heads, length, headDim] tensor.
func (a *selfAttention) split(proj *fcLayer, x *G.Node, batch,
	length int) (*G.Node, error) {
	projected, err := proj.fwd(x)
	if err != nil {
		return nil, err
	}

	projected, err = G.Reshape(projected, tensor.Shape{batch, length,
		a.heads, a.headDim})
	if err != nil {
		return nil, err
	}
	projected, err = G.Transpose(projected, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return G.Reshape(projected, tensor.Shape{batch * a.heads, length,
		a.headDim})
}

// merge is the inverse of split: it concatenates the heads of a
// [batch*heads, length, headDim] tensor into [batch*length, embed].
func (a *selfAttention) merge(x *G.Node, batch, length int) (*G.Node,
	error) {
	merged, err := G.Reshape(x, tensor.Shape{batch, a.heads, length,
		a.headDim})
	if err != nil {
		return nil, err
	}
	merged, err = G.Transpose(merged, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return G.Reshape(merged, tensor.Shape{batch * length,
		a.heads * a.headDim})
}
