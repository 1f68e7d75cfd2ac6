// Package network builds the computational graphs of the attention
// policy: an attention pooler that summarizes a variable-length
// sequence of trip embeddings into a fixed-size vector, followed by a
// policy head that maps [observation ⧺ pooled] to a categorical
// distribution over actions.
//
// Gorgonia graphs have static shapes, so a Policy graph is built for a
// single (mode, batch, sequence length) triple. The learnable values
// are not owned by a graph: every graph binds the tensors of a shared
// *Parameters, so that any number of graphs for different shapes see
// (and update) the same weights.
package network

import "fmt"

// Mode determines whether a graph is built for training or evaluation
type Mode int

const (
	// Train graphs apply dropout and normalize with batch statistics
	Train Mode = iota

	// Eval graphs apply no dropout and normalize with the running
	// statistics accumulated by Train graphs
	Eval
)

// String implements the fmt.Stringer interface
func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ResidualMode determines what the normalization following the
// self-attention sub-layer is applied to.
type ResidualMode string

const (
	// ResidualAttention normalizes attention(emb) + emb, so that the
	// attention output reaches the feed-forward block and the pooled
	// vector.
	ResidualAttention ResidualMode = "attention"

	// ResidualDiscard computes attention(emb) + emb and then normalizes
	// emb alone. The attention output never reaches the pooled vector
	// and the attention weights receive no gradient. This reproduces
	// the behaviour of the l2i reference policy.
	ResidualDiscard ResidualMode = "discard"
)

// Validate returns an error if r is not a known ResidualMode
func (r ResidualMode) Validate() error {
	switch r {
	case ResidualAttention, ResidualDiscard:
		return nil
	}
	return fmt.Errorf("unknown residual mode %q", string(r))
}

// Default hyperparameters of the attention pooler
const (
	DefaultHeads       = 8
	DefaultDropout     = 0.1
	DefaultFilterInner = 64
)

// Architecture describes the layer sizes of a policy network
type Architecture struct {
	TripEmb      int // Width of a raw trip embedding
	Embed        int // Width of the projected embedding and pooled vector
	Hidden       int // Width of the policy head's hidden layer
	Actions      int // Number of modeled actions (columns of the output)
	Observations int // Width of the observation vector

	Heads       int
	Dropout     float64
	FilterInner int
	Residual    ResidualMode
}

// Validate checks that the Architecture can be built
func (a Architecture) Validate() error {
	sizes := []struct {
		name  string
		value int
	}{
		{"trip embedding", a.TripEmb},
		{"embedding", a.Embed},
		{"hidden", a.Hidden},
		{"actions", a.Actions},
		{"observations", a.Observations},
		{"heads", a.Heads},
		{"filter inner", a.FilterInner},
	}
	for _, size := range sizes {
		if size.value < 1 {
			return fmt.Errorf("validate: %v size must be positive, have %v",
				size.name, size.value)
		}
	}

	if a.Embed%a.Heads != 0 {
		return fmt.Errorf("validate: embedding size %v not divisible by "+
			"%v heads", a.Embed, a.Heads)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fmt.Errorf("validate: dropout must be in [0, 1), have %v",
			a.Dropout)
	}
	if err := a.Residual.Validate(); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	return nil
}

// headDim returns the width of a single attention head
func (a Architecture) headDim() int {
	return a.Embed / a.Heads
}
