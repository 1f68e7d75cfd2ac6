package network

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/l2ipolicy/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// builder tracks the learnable nodes created while a graph is built
type builder struct {
	g      *G.ExprGraph
	mode   Mode
	params *Parameters
	nodes  []*G.Node // nodes[i] holds params.At(i)
}

// learnable returns the node of the named parameter, creating it on
// first use. The node is bound to the parameter's tensor.
func (b *builder) learnable(name string) (*G.Node, error) {
	i, ok := b.params.index[name]
	if !ok {
		return nil, fmt.Errorf("learnable: no parameter named %q", name)
	}
	if b.nodes[i] != nil {
		return b.nodes[i], nil
	}

	value := b.params.params[i].Value
	var n *G.Node
	switch value.Dims() {
	case 1:
		n = G.NewVector(
			b.g,
			tensor.Float64,
			G.WithShape(value.Shape()...),
			G.WithName(name),
			G.WithValue(value),
		)
	case 2:
		n = G.NewMatrix(
			b.g,
			tensor.Float64,
			G.WithShape(value.Shape()...),
			G.WithName(name),
			G.WithValue(value),
		)
	default:
		return nil, fmt.Errorf("learnable: parameter %q has unsupported "+
			"shape %v", name, value.Shape())
	}

	b.nodes[i] = n
	return n, nil
}

// Policy is the computational graph of the policy network for a fixed
// mode, batch size and sequence length:
//
//	pooled = AttentionPooler(trips)
//	probs  = softmax(logits(relu(hidden([observations ⧺ pooled]))))
type Policy struct {
	g      *G.ExprGraph
	arch   Architecture
	mode   Mode
	batch  int
	length int

	observations *G.Node
	trips        *G.Node

	learnables G.Nodes // In Parameters order
	trainable  G.Nodes
	model      []G.ValueGrad

	pooler         *attentionPooler
	hidden, logits *fcLayer

	pooled   *G.Node
	probs    *G.Node
	probsVal G.Value
}

// NewPolicy builds the graph of a policy network with architecture arch
// whose learnable nodes are bound to params. The graph takes batch
// observations and batch trip sequences of the given length.
func NewPolicy(arch Architecture, params *Parameters, mode Mode, batch,
	length int) (*Policy, error) {
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("newPolicy: %v", err)
	}
	if batch < 1 || length < 1 {
		return nil, fmt.Errorf("newPolicy: batch and sequence length must "+
			"be positive, have (%v, %v)", batch, length)
	}

	g := G.NewGraph()
	b := &builder{
		g:      g,
		mode:   mode,
		params: params,
		nodes:  make([]*G.Node, params.Len()),
	}

	observations := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, arch.Observations),
		G.WithName("observations"),
		G.WithInit(G.Zeroes()),
	)
	trips := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch*length, arch.TripEmb),
		G.WithName("trips"),
		G.WithInit(G.Zeroes()),
	)

	pooler, err := newAttentionPooler(b, arch, batch, length)
	if err != nil {
		return nil, fmt.Errorf("newPolicy: %v", err)
	}
	hidden, err := newFCLayer(b, HiddenLayer, ReLU())
	if err != nil {
		return nil, fmt.Errorf("newPolicy: %v", err)
	}
	logits, err := newFCLayer(b, LogitsLayer, Identity())
	if err != nil {
		return nil, fmt.Errorf("newPolicy: %v", err)
	}

	p := &Policy{
		g:            g,
		arch:         arch,
		mode:         mode,
		batch:        batch,
		length:       length,
		observations: observations,
		trips:        trips,
		pooler:       pooler,
		hidden:       hidden,
		logits:       logits,
	}
	if err := p.fwd(); err != nil {
		return nil, fmt.Errorf("newPolicy: could not compute forward "+
			"pass: %v", err)
	}

	for i, n := range b.nodes {
		if n == nil {
			return nil, fmt.Errorf("newPolicy: parameter %q is not used",
				params.At(i).Name)
		}
		p.learnables = append(p.learnables, n)

		if params.At(i).Attention && arch.Residual == ResidualDiscard {
			continue
		}
		p.trainable = append(p.trainable, n)
		p.model = append(p.model, n)
	}

	return p, nil
}

// fwd adds the forward pass of the policy to the graph
func (p *Policy) fwd() error {
	pooled, err := p.pooler.fwd(p.trips)
	if err != nil {
		return errors.Wrap(err, "attention pooler")
	}
	p.pooled = pooled

	features, err := G.Concat(1, p.observations, pooled)
	if err != nil {
		return errors.Wrap(err, "concatenating observations")
	}
	h, err := p.hidden.fwd(features)
	if err != nil {
		return errors.Wrap(err, "hidden layer")
	}
	logits, err := p.logits.fwd(h)
	if err != nil {
		return errors.Wrap(err, "logits")
	}
	if p.probs, err = op.SoftMax(logits); err != nil {
		return errors.Wrap(err, "action probabilities")
	}

	G.Read(p.probs, &p.probsVal)
	return nil
}

// Graph returns the computational graph of the Policy
func (p *Policy) Graph() *G.ExprGraph {
	return p.g
}

// Mode returns the mode the Policy was built for
func (p *Policy) Mode() Mode {
	return p.mode
}

// BatchSize returns the number of rows the Policy takes as input
func (p *Policy) BatchSize() int {
	return p.batch
}

// Length returns the sequence length the Policy takes as input
func (p *Policy) Length() int {
	return p.length
}

// Actions returns the number of columns of the action distribution
func (p *Policy) Actions() int {
	return p.arch.Actions
}

// Prediction returns the [batch, actions] node of action probabilities
func (p *Policy) Prediction() *G.Node {
	return p.probs
}

// Pooled returns the [batch, embed] node of pooled trip features
func (p *Policy) Pooled() *G.Node {
	return p.pooled
}

// Learnables returns the learnable nodes of the Policy, in the order
// of the Parameters they are bound to
func (p *Policy) Learnables() G.Nodes {
	return p.learnables
}

// Trainable returns the learnable nodes that the output depends on.
// With ResidualDiscard the attention parameters are excluded.
func (p *Policy) Trainable() G.Nodes {
	return p.trainable
}

// Model returns the trainable nodes with their gradients.
func (p *Policy) Model() []G.ValueGrad {
	return p.model
}

// SetInput sets the values of the input nodes before running the
// forward pass. Both inputs are in row major order: observations is
// [batch, observations] and trips is [batch, length, tripEmb].
func (p *Policy) SetInput(observations, trips []float64) error {
	if len(observations) != p.observations.Shape().TotalSize() {
		return fmt.Errorf("setInput: invalid number of observations"+
			"\n\twant(%v)\n\thave(%v)", p.observations.Shape().TotalSize(),
			len(observations))
	}
	obsTensor := tensor.New(
		tensor.WithShape(p.observations.Shape()...),
		tensor.WithBacking(observations),
	)
	if err := G.Let(p.observations, obsTensor); err != nil {
		return fmt.Errorf("setInput: %v", err)
	}

	if len(trips) != p.trips.Shape().TotalSize() {
		return fmt.Errorf("setInput: invalid number of trip features"+
			"\n\twant(%v)\n\thave(%v)", p.trips.Shape().TotalSize(),
			len(trips))
	}
	tripsTensor := tensor.New(
		tensor.WithShape(p.trips.Shape()...),
		tensor.WithBacking(trips),
	)
	if err := G.Let(p.trips, tripsTensor); err != nil {
		return fmt.Errorf("setInput: %v", err)
	}
	return nil
}

// Bind binds the learnable nodes to the tensors of params and, in Eval
// mode, the normalization layers to the running statistics.
func (p *Policy) Bind(params *Parameters, stats *RunningStats) error {
	if params.Len() != len(p.learnables) {
		return fmt.Errorf("bind: graph has %d learnables, have %d "+
			"parameters", len(p.learnables), params.Len())
	}
	for i, n := range p.learnables {
		if err := G.Let(n, params.At(i).Value); err != nil {
			return fmt.Errorf("bind: %v: %v", params.At(i).Name, err)
		}
	}
	for _, norm := range p.pooler.norms() {
		if err := norm.bind(stats); err != nil {
			return fmt.Errorf("bind: %v", err)
		}
	}
	return nil
}

// Sync copies the values of the learnable nodes into params. It is
// needed only when a VM has replaced the bound tensors with copies.
func (p *Policy) Sync(params *Parameters) error {
	for i, n := range p.learnables {
		dst := params.At(i).Value
		src, ok := n.Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("sync: %v has value of type %T",
				params.At(i).Name, n.Value())
		}
		if src == dst {
			continue
		}
		if err := tensor.Copy(dst, src); err != nil {
			return fmt.Errorf("sync: %v: %v", params.At(i).Name, err)
		}
	}
	return nil
}

// Fold folds the batch statistics of the last Train mode run into the
// running statistics. It does nothing in Eval mode.
func (p *Policy) Fold(stats *RunningStats) error {
	if p.mode != Train {
		return nil
	}
	for _, norm := range p.pooler.norms() {
		if err := norm.fold(stats); err != nil {
			return fmt.Errorf("fold: %v", err)
		}
	}
	return nil
}

// Output returns a copy of the action probabilities computed by the
// last run of the graph, in row major order.
func (p *Policy) Output() ([]float64, error) {
	if p.probsVal == nil {
		return nil, fmt.Errorf("output: graph has not been run")
	}
	data, ok := p.probsVal.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("output: unexpected data type %T",
			p.probsVal.Data())
	}
	return append([]float64(nil), data...), nil
}
