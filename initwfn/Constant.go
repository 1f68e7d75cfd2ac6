package initwfn

import G "gorgonia.org/gorgonia"

// ConstantConfig implements a configuration of a weight initializer
// that initializes all weights to a constant value.
type ConstantConfig struct {
	Value float64
}

// NewConstant returns a new constant weight intializer
func NewConstant(value float64) (*InitWFn, error) {
	return newInitWFn(ConstantConfig{value})
}

// NewZeroes returns an initializer that sets every weight to 0
func NewZeroes() (*InitWFn, error) {
	return NewConstant(0)
}

// NewOnes returns an initializer that sets every weight to 1
func NewOnes() (*InitWFn, error) {
	return NewConstant(1)
}

// Type returns the type of the weight initializer created using this
// config
func (c ConstantConfig) Type() Type {
	return Constant
}

// Create creates the Gorgonia weight initializer from this
// initializer config
func (c ConstantConfig) Create() G.InitWFn {
	switch c.Value {
	case 0:
		return G.Zeroes()
	case 1:
		return G.Ones()
	}
	return G.ValuesOf(c.Value)
}

// Validate implements the Config interface; any constant is valid
func (c ConstantConfig) Validate() error {
	return nil
}
