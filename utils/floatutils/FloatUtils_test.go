package floatutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxSlice(t *testing.T) {
	max, indices := MaxSlice([]float64{0.2, 0.5, 0.1, 0.5})
	assert.Equal(t, 0.5, max)
	assert.Equal(t, []int{1, 3}, indices)

	max, indices = MaxSlice([]float64{3})
	assert.Equal(t, 3.0, max)
	assert.Equal(t, []int{0}, indices)

	_, indices = MaxSlice([]float64{1, 1})
	assert.Equal(t, []int{0, 1}, indices)
}

func TestClip(t *testing.T) {
	assert.Equal(t, 1.0, Clip(3, -1, 1))
	assert.Equal(t, -1.0, Clip(-3, -1, 1))
	assert.Equal(t, 0.5, Clip(0.5, -1, 1))
}
