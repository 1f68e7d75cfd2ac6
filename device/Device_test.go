package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	k, err := Resolve(CPU)
	require.NoError(t, err)
	assert.Equal(t, CPU, k)

	k, err = Resolve(Auto)
	require.NoError(t, err)
	assert.Equal(t, Detect(), k)

	_, err = Resolve("tpu")
	assert.Error(t, err)

	if !Available() {
		_, err = Resolve(CUDA)
		assert.Error(t, err)
	}
}
