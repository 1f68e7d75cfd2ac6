package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/l2ipolicy/initwfn"
	"gorgonia.org/tensor"
)

// Layer names. Parameter names are a layer name followed by
// "/weights", "/bias", "/scale" or "/shift".
const (
	EmbLayer        = "emb"
	EmbNormLayer    = "emb_bn"
	QueryLayer      = "mha/query"
	KeyLayer        = "mha/key"
	ValueLayer      = "mha/value"
	AttnOutLayer    = "mha/out"
	AttnNormLayer   = "mha_bn"
	InnerLayer      = "ff/inner"
	OuterLayer      = "ff/outer"
	FFNormLayer     = "ff_bn"
	HiddenLayer     = "hidden"
	LogitsLayer     = "logits"
	weightsSuffix   = "/weights"
	biasSuffix      = "/bias"
	scaleSuffix     = "/scale"
	shiftSuffix     = "/shift"
	runningMeanName = "/running_mean"
	runningVarName  = "/running_var"
)

// NormLayers lists the batch normalization layers of the pooler in the
// order they are applied
var NormLayers = []string{EmbNormLayer, AttnNormLayer, FFNormLayer}

// Parameter is a single named learnable tensor
type Parameter struct {
	Name  string
	Value *tensor.Dense

	// Attention is true if the parameter belongs to the self-attention
	// sub-layer
	Attention bool
}

// Parameters is an ordered collection of the learnable tensors of a
// policy network. The order is fixed at construction and is the order
// in which the parameters are handed to a solver.
type Parameters struct {
	params []Parameter
	index  map[string]int
}

// NewParameters allocates and initializes the parameters of a policy
// network with architecture arch. The projection of raw trip
// embeddings is initialized with projInit; linear layers use the
// fan-in uniform scheme, the attention input projections use Glorot
// uniform with zero biases and normalization layers start as the
// identity.
func NewParameters(arch Architecture, projInit *initwfn.InitWFn) (*Parameters,
	error) {
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	if projInit == nil {
		return nil, fmt.Errorf("newParameters: nil projection initializer")
	}

	zeroes, err := initwfn.NewZeroes()
	if err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	ones, err := initwfn.NewOnes()
	if err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	glorotU, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}

	p := &Parameters{index: make(map[string]int)}

	// Pointwise projection of trip embeddings
	embBias, err := initwfn.NewFanIn(arch.TripEmb)
	if err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	p.add(EmbLayer+weightsSuffix, projInit.Tensor(arch.TripEmb, arch.Embed),
		false)
	p.add(EmbLayer+biasSuffix, embBias.Tensor(arch.Embed), false)
	p.addNorm(EmbNormLayer, arch.Embed, ones, zeroes, false)

	// Self-attention
	for _, layer := range []string{QueryLayer, KeyLayer, ValueLayer} {
		p.add(layer+weightsSuffix, glorotU.Tensor(arch.Embed, arch.Embed),
			true)
		p.add(layer+biasSuffix, zeroes.Tensor(arch.Embed), true)
	}
	outInit, err := initwfn.NewFanIn(arch.Embed)
	if err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	p.add(AttnOutLayer+weightsSuffix, outInit.Tensor(arch.Embed, arch.Embed),
		true)
	p.add(AttnOutLayer+biasSuffix, zeroes.Tensor(arch.Embed), true)
	p.addNorm(AttnNormLayer, arch.Embed, ones, zeroes, false)

	// Pointwise feed-forward
	if err := p.addLinear(InnerLayer, arch.Embed, arch.FilterInner); err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	if err := p.addLinear(OuterLayer, arch.FilterInner, arch.Embed); err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	p.addNorm(FFNormLayer, arch.Embed, ones, zeroes, false)

	// Policy head
	features := arch.Observations + arch.Embed
	if err := p.addLinear(HiddenLayer, features, arch.Hidden); err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}
	if err := p.addLinear(LogitsLayer, arch.Hidden, arch.Actions); err != nil {
		return nil, fmt.Errorf("newParameters: %v", err)
	}

	return p, nil
}

// add appends a parameter to the collection
func (p *Parameters) add(name string, value *tensor.Dense, attention bool) {
	p.index[name] = len(p.params)
	p.params = append(p.params, Parameter{
		Name:      name,
		Value:     value,
		Attention: attention,
	})
}

// addLinear appends the weights and bias of a linear layer mapping in
// features to out features
func (p *Parameters) addLinear(layer string, in, out int) error {
	init, err := initwfn.NewFanIn(in)
	if err != nil {
		return fmt.Errorf("addLinear: %v", err)
	}
	p.add(layer+weightsSuffix, init.Tensor(in, out), false)
	p.add(layer+biasSuffix, init.Tensor(out), false)
	return nil
}

// addNorm appends the scale and shift of a normalization layer
func (p *Parameters) addNorm(layer string, channels int, scale,
	shift *initwfn.InitWFn, attention bool) {
	p.add(layer+scaleSuffix, scale.Tensor(channels), attention)
	p.add(layer+shiftSuffix, shift.Tensor(channels), attention)
}

// Len returns the number of parameter tensors
func (p *Parameters) Len() int {
	return len(p.params)
}

// At returns the i-th parameter
func (p *Parameters) At(i int) Parameter {
	return p.params[i]
}

// Get returns the tensor of the parameter with the given name
func (p *Parameters) Get(name string) (*tensor.Dense, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.params[i].Value, true
}

// Names returns the parameter names in order
func (p *Parameters) Names() []string {
	names := make([]string, len(p.params))
	for i := range p.params {
		names[i] = p.params[i].Name
	}
	return names
}

// Clone returns a deep copy of the parameters
func (p *Parameters) Clone() *Parameters {
	clone := &Parameters{
		params: make([]Parameter, len(p.params)),
		index:  make(map[string]int, len(p.index)),
	}
	for i, param := range p.params {
		clone.params[i] = Parameter{
			Name:      param.Name,
			Value:     param.Value.Clone().(*tensor.Dense),
			Attention: param.Attention,
		}
		clone.index[param.Name] = i
	}
	return clone
}

// Set copies the values of source into p. Both collections must
// describe the same architecture.
func (p *Parameters) Set(source *Parameters) error {
	if source.Len() != p.Len() {
		return fmt.Errorf("set: have %d parameters, source has %d", p.Len(),
			source.Len())
	}
	for i := range p.params {
		src := source.params[i]
		if src.Name != p.params[i].Name {
			return fmt.Errorf("set: parameter %d is %q, source has %q", i,
				p.params[i].Name, src.Name)
		}
		if !src.Value.Shape().Eq(p.params[i].Value.Shape()) {
			return fmt.Errorf("set: parameter %q has shape %v, source has "+
				"shape %v", src.Name, p.params[i].Value.Shape(),
				src.Value.Shape())
		}
		if err := tensor.Copy(p.params[i].Value, src.Value); err != nil {
			return fmt.Errorf("set: could not copy %q: %v", src.Name, err)
		}
	}
	return nil
}

// GobEncode implements the gob.GobEncoder interface
func (p *Parameters) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(len(p.params)); err != nil {
		return nil, fmt.Errorf("gobEncode: %v", err)
	}
	for _, param := range p.params {
		if err := enc.Encode(param.Name); err != nil {
			return nil, fmt.Errorf("gobEncode: %v", err)
		}
		if err := enc.Encode(param.Attention); err != nil {
			return nil, fmt.Errorf("gobEncode: %v", err)
		}
		if err := enc.Encode([]int(param.Value.Shape())); err != nil {
			return nil, fmt.Errorf("gobEncode: %v: %v", param.Name, err)
		}
		if err := enc.Encode(param.Value.Data().([]float64)); err != nil {
			return nil, fmt.Errorf("gobEncode: %v: %v", param.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (p *Parameters) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))

	var n int
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("gobDecode: %v", err)
	}
	p.params = make([]Parameter, n)
	p.index = make(map[string]int, n)
	for i := range p.params {
		param := &p.params[i]
		if err := dec.Decode(&param.Name); err != nil {
			return fmt.Errorf("gobDecode: %v", err)
		}
		if err := dec.Decode(&param.Attention); err != nil {
			return fmt.Errorf("gobDecode: %v", err)
		}
		var shape []int
		if err := dec.Decode(&shape); err != nil {
			return fmt.Errorf("gobDecode: %v: %v", param.Name, err)
		}
		var data []float64
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("gobDecode: %v: %v", param.Name, err)
		}
		if tensor.Shape(shape).TotalSize() != len(data) {
			return fmt.Errorf("gobDecode: %v has shape %v but %d values",
				param.Name, shape, len(data))
		}
		param.Value = tensor.New(
			tensor.WithShape(shape...),
			tensor.WithBacking(data),
		)
		p.index[param.Name] = i
	}
	return nil
}
