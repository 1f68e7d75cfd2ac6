package checkpointer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	files []string
}

func (r *recorder) Save(filename string) error {
	r.files = append(r.files, filename)
	return nil
}

func TestNStep(t *testing.T) {
	r := &recorder{}
	c, err := NewNStep(2, r, FilenameEnumerator(0, "policy", ".bin"))
	require.NoError(t, err)

	for step := 1; step <= 5; step++ {
		require.NoError(t, c.Checkpoint(step))
	}
	assert.Equal(t, []string{"policy1.bin", "policy2.bin"}, r.files)

	_, err = NewNStep(0, r, FileTimer("policy", ".bin"))
	assert.Error(t, err)
}

func TestFileTimer(t *testing.T) {
	name := FileTimer("dir/policy", ".bin")()
	assert.Regexp(t, `^dir/policy-\d+\.bin$`, name)
}
