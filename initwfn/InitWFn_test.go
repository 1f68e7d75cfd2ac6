package initwfn

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant(t *testing.T) {
	ones, err := NewOnes()
	require.NoError(t, err)
	w := ones.Tensor(2, 3)
	assert.Equal(t, []int{2, 3}, []int(w.Shape()))
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, w.Data().([]float64))

	c, err := NewConstant(0.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, c.Tensor(2).Data().([]float64))
}

func TestFanIn(t *testing.T) {
	init, err := NewFanIn(16)
	require.NoError(t, err)
	assert.Equal(t, Uniform, init.Type)

	for _, v := range init.Tensor(16, 8).Data().([]float64) {
		assert.LessOrEqual(t, math.Abs(v), 0.25)
	}

	_, err = NewFanIn(0)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := NewUniform(1, -1)
	assert.Error(t, err)
	_, err = NewGlorotN(0)
	assert.Error(t, err)
	_, err = NewGlorotU(-1)
	assert.Error(t, err)
}

func TestUnmarshalJSON(t *testing.T) {
	var init InitWFn
	data := []byte(`{"Type": "GlorotN", "Config": {"Gain": 2}}`)
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, GlorotN, init.Type)
	assert.Equal(t, GlorotNConfig{Gain: 2}, init.Config)
	assert.NotNil(t, init.InitWFn())
	assert.Equal(t, []int{4, 4}, []int(init.Tensor(4, 4).Shape()))

	marshalled, err := json.Marshal(&init)
	require.NoError(t, err)
	var again InitWFn
	require.NoError(t, json.Unmarshal(marshalled, &again))
	assert.Equal(t, init.Config, again.Config)

	assert.Error(t, json.Unmarshal([]byte(`{"Type": "Orthogonal"}`), &init))
	assert.Error(t, json.Unmarshal(
		[]byte(`{"Type": "Uniform", "Config": {"Low": 1, "High": 0}}`),
		&init))
}
