package solver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
)

func TestNew(t *testing.T) {
	adam, err := NewDefaultAdam(1e-3, 1)
	require.NoError(t, err)
	assert.Equal(t, Adam, adam.Type)
	assert.Equal(t, 1e-3, adam.StepSize())

	first, second := adam.New(), adam.New()
	assert.IsType(t, &G.AdamSolver{}, first)
	assert.NotSame(t, first, second)

	rms, err := NewDefaultRMSProp(0.01, 4)
	require.NoError(t, err)
	assert.IsType(t, &G.RMSPropSolver{}, rms.New())

	vanilla, err := NewVanilla(0.1, 1, 5)
	require.NoError(t, err)
	assert.IsType(t, &G.VanillaSolver{}, vanilla.New())
}

func TestValidate(t *testing.T) {
	_, err := NewDefaultAdam(0, 1)
	assert.Error(t, err)
	_, err = NewAdam(1e-3, 1e-8, 1, 0.999, 1)
	assert.Error(t, err)
	_, err = NewDefaultRMSProp(1e-3, 0)
	assert.Error(t, err)
	_, err = NewVanilla(-1, 1, 0)
	assert.Error(t, err)

	_, err = newSolver(Vanilla, AdamConfig{StepSize: 1, Batch: 1})
	assert.Error(t, err)
}

func TestUnmarshalJSON(t *testing.T) {
	adam, err := NewAdam(0.01, 1e-8, 0.8, 0.99, 2)
	require.NoError(t, err)

	data, err := json.Marshal(adam)
	require.NoError(t, err)

	var s Solver
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, *adam, s)

	assert.Error(t, json.Unmarshal([]byte(`{"Type": "SGD"}`), &s))
	assert.Error(t, json.Unmarshal(
		[]byte(`{"Type": "Adam", "Config": {"StepSize": -1, "Batch": 1}}`),
		&s))
}
