// Package initwfn wraps Gorgonia weight initializers so that the
// initialization scheme of a parameter tensor can be stored in a JSON
// configuration and used to allocate the tensor itself.
package initwfn

import (
	"encoding/json"
	"fmt"
	"reflect"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Type describes the initialization schemes that are available
type Type string

// Available InitWFn types
const (
	GlorotU  Type = "GlorotU"
	GlorotN  Type = "GlorotN"
	Uniform  Type = "Uniform"
	Constant Type = "Constant"
)

// InitWFn wraps a Gorgonia InitWFn so that it can be JSON marshalled
// and unmarshalled.
type InitWFn struct {
	initWFn G.InitWFn
	Type
	Config
}

// newInitWFn returns a new InitWFn described by c
func newInitWFn(c Config) (*InitWFn, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("newInitWFn: %v", err)
	}
	init := InitWFn{Type: c.Type(), Config: c}
	init.initWFn = init.Config.Create()

	return &init, nil
}

// InitWFn returns the wrapped Gorgonia InitWFn
func (i *InitWFn) InitWFn() G.InitWFn {
	return i.initWFn
}

// Tensor allocates a new float64 tensor of the given shape whose
// values are drawn from the initializer.
func (i *InitWFn) Tensor(shape ...int) *tensor.Dense {
	return NewTensor(i.initWFn, shape...)
}

// String implements the fmt.Stringer interface
func (i *InitWFn) String() string {
	return fmt.Sprintf("{%v InitWFn: %v}", i.Type, i.Config)
}

// NewTensor allocates a float64 tensor of the given shape filled by
// the Gorgonia initializer init.
func NewTensor(init G.InitWFn, shape ...int) *tensor.Dense {
	backing := init(tensor.Float64, shape...)
	return tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	)
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (i *InitWFn) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(GlorotU):  reflect.TypeOf(GlorotUConfig{}),
			string(GlorotN):  reflect.TypeOf(GlorotNConfig{}),
			string(Uniform):  reflect.TypeOf(UniformConfig{}),
			string(Constant): reflect.TypeOf(ConstantConfig{}),
		})
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("unmarshalJSON: %v", err)
	}

	i.Type = typeName
	i.Config = config
	i.initWFn = i.Config.Create()

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
		return nil, "", fmt.Errorf("unmarshalConfig: unknown InitWFn "+
			"type %q", typeName)
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

// Config implements a Gorgonia InitWFn configuration and can be used to
// create the described Gorgonia InitWFn's.
type Config interface {
	// Create returns the Gorgonia InitWFn that the Config describes
	Create() G.InitWFn

	// Type returns the type of Gorgonia InitWFn that is returned
	Type() Type

	// Validate returns an error if the Config cannot create an InitWFn
	Validate() error
}
