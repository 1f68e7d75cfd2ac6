package initwfn

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// UniformConfig implements a configuration of a weight initializer
// that draws weights from a uniform distribution
type UniformConfig struct {
	Low, High float64
}

// NewUniform returns a new uniform weight initializer
func NewUniform(low, high float64) (*InitWFn, error) {
	return newInitWFn(UniformConfig{Low: low, High: high})
}

// NewFanIn returns the uniform initializer U(-1/√fanIn, 1/√fanIn)
// that linear layers are conventionally initialized with. Biases of a
// layer use the fan-in of the layer's weights.
func NewFanIn(fanIn int) (*InitWFn, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("newFanIn: fan-in must be positive, have %v",
			fanIn)
	}
	bound := 1.0 / math.Sqrt(float64(fanIn))
	return NewUniform(-bound, bound)
}

// Type returns the type of initialization algorithm described by
// the configuration.
func (u UniformConfig) Type() Type {
	return Uniform
}

// Create returns the weight initialization algorithm as a Gorgonia
// InitWFn
func (u UniformConfig) Create() G.InitWFn {
	return G.Uniform(u.Low, u.High)
}

// Validate checks that the interval is not empty
func (u UniformConfig) Validate() error {
	if u.Low > u.High {
		return fmt.Errorf("uniform: low (%v) > high (%v)", u.Low, u.High)
	}
	return nil
}
