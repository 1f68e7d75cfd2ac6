// Package solver wraps Gorgonia Solvers so that they can be JSON
// serialized into configuration files.
//
// A Solver value is only a description: every call to New returns a
// fresh Gorgonia Solver with its own moment estimates, so two policies
// built from the same configuration never share optimizer state.
package solver

import (
	"encoding/json"
	"fmt"
	"reflect"

	G "gorgonia.org/gorgonia"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	Vanilla Type = "Vanilla"
	RMSProp Type = "RMSProp"
)

// Solver wraps Gorgonia Solvers so that they can be JSON marshalled and
// unmarshalled.
type Solver struct {
	Type
	Config
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newSolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("newSolver: %v", err)
	}
	return &Solver{Type: t, Config: c}, nil
}

// New creates a new Gorgonia Solver with freshly initialized state
func (s *Solver) New() G.Solver {
	return s.Config.Create()
}

// StepSize returns the learning rate of the solver
func (s *Solver) StepSize() float64 {
	return s.Config.LearningRate()
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(Vanilla): reflect.TypeOf(VanillaConfig{}),
			string(Adam):    reflect.TypeOf(AdamConfig{}),
			string(RMSProp): reflect.TypeOf(RMSPropConfig{}),
		})
	if err != nil {
		return err
	}
	if !config.ValidType(typeName) {
		return fmt.Errorf("unmarshalJSON: invalid solver type %v for "+
			"configuration %T", typeName, config)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("unmarshalJSON: %v", err)
	}

	s.Type = typeName
	s.Config = config

	return nil
}

// unmarshalConfig uses reflection to unmarshall a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName, ok := m[typeJsonField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalConfig: missing %q field",
			typeJsonField)
	}
	ty, found := customTypes[typeName]
	if !found {
		return nil, "", fmt.Errorf("unmarshalConfig: unknown solver type %q",
			typeName)
	}
	value := reflect.New(ty).Interface()

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config implements a Gorgonia Solver configuration and can be used to
// create Gorgonia Solvers they describe.
type Config interface {
	Create() G.Solver

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool

	// Validate returns an error describing an invalid hyperparameter
	Validate() error

	LearningRate() float64
}
