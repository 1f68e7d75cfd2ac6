package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samuelfneumann/l2ipolicy/estimator"
	"github.com/samuelfneumann/l2ipolicy/experiment/checkpointer"
	"github.com/samuelfneumann/l2ipolicy/experiment/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	obs     = 3
	tripEmb = 6
)

func newEstimator(t *testing.T) *estimator.PolicyEstimator {
	c := estimator.Default(1e-2, tripEmb, 16, 32, 4, obs)
	c.Device = "cpu"
	e, err := estimator.New(c)
	require.NoError(t, err)
	return e
}

func TestSynthetic(t *testing.T) {
	task, err := NewSynthetic(3, 4, obs, tripEmb, 3, 2, 7)
	require.NoError(t, err)

	r, c := task.State().Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, obs, c)
	assert.Equal(t, []int{3, 4, tripEmb}, []int(task.Trips().Shape()))
	assert.Equal(t, []float64{0, 1, 0}, task.Reward([]int{0, 2, 1}))

	_, err = NewSynthetic(3, 4, obs, tripEmb, 3, 3, 7)
	assert.Error(t, err)
	_, err = NewSynthetic(0, 4, obs, tripEmb, 3, 0, 7)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.Type = "Offline"
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.BaselineRate = 2
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Steps = 0
	assert.Error(t, c.Validate())
}

func TestOnlineLearns(t *testing.T) {
	e := newEstimator(t)

	c := DefaultConfig()
	c.Steps = 200
	c.Batch = 8
	c.Target = 1
	filename := filepath.Join(t.TempDir(), "prob.bin")
	prob := tracker.NewTargetProb(filename)
	exp, err := c.CreateExp(e, obs, tripEmb, zerolog.Nop(),
		[]tracker.Tracker{prob}, nil)
	require.NoError(t, err)

	require.NoError(t, exp.Run(context.Background()))
	require.NoError(t, exp.Save())

	data, err := tracker.LoadData(filename)
	require.NoError(t, err)
	assert.Equal(t, prob.Data(), data)

	history := prob.Data()
	require.Len(t, history, c.Steps)
	assert.Greater(t, history[len(history)-1], history[0])
	assert.Greater(t, history[len(history)-1], 0.5)
}

func TestOnlineCheckpoints(t *testing.T) {
	e := newEstimator(t)
	dir := t.TempDir()

	check, err := checkpointer.NewNStep(2, e,
		checkpointer.FilenameEnumerator(0, filepath.Join(dir, "policy"), ".bin"))
	require.NoError(t, err)

	c := DefaultConfig()
	c.Steps = 4
	c.Batch = 2
	c.AdvantageClip = 0.5
	exp, err := c.CreateExp(e, obs, tripEmb, zerolog.Nop(), nil,
		[]checkpointer.Checkpointer{check})
	require.NoError(t, err)
	require.NoError(t, exp.Run(context.Background()))

	for _, name := range []string{"policy1.bin", "policy2.bin"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
	require.NoError(t, e.Load(filepath.Join(dir, "policy2.bin")))
}

func TestOnlineCancel(t *testing.T) {
	e := newEstimator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exp, err := DefaultConfig().CreateExp(e, obs, tripEmb, zerolog.Nop(),
		nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, exp.Run(ctx), context.Canceled)
}
