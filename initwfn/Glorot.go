package initwfn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// GlorotUConfig implements a configuration of the Glorot Uniform
// initialization algorithm.
type GlorotUConfig struct {
	Gain float64
}

// NewGlorotU returns a new Glorot Uniform weight initializer
func NewGlorotU(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotUConfig{Gain: gain})
}

// Type returns the type of initialization algorithm described by
// the configuration.
func (g GlorotUConfig) Type() Type {
	return GlorotU
}

// Create returns the weight initialization algorithm as a Gorgonia
// InitWFn
func (g GlorotUConfig) Create() G.InitWFn {
	return G.GlorotU(g.Gain)
}

// Validate checks that the gain is positive
func (g GlorotUConfig) Validate() error {
	if g.Gain <= 0 {
		return fmt.Errorf("glorotU: gain must be positive, have %v", g.Gain)
	}
	return nil
}

// GlorotNConfig implements a configuration of the Glorot Normal
// (Xavier normal) initialization algorithm.
type GlorotNConfig struct {
	Gain float64
}

// NewGlorotN returns a new Glorot Normal weight initializer.
func NewGlorotN(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotNConfig{Gain: gain})
}

// Type returns the type of initialization algorithm described by the
// configuration.
func (g GlorotNConfig) Type() Type {
	return GlorotN
}

// Create returns the weight initialization algorithm as a Gorgonia
// InitWFn
func (g GlorotNConfig) Create() G.InitWFn {
	return G.GlorotN(g.Gain)
}

// Validate checks that the gain is positive
func (g GlorotNConfig) Validate() error {
	if g.Gain <= 0 {
		return fmt.Errorf("glorotN: gain must be positive, have %v", g.Gain)
	}
	return nil
}
