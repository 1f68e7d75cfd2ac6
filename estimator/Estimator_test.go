package estimator

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samuelfneumann/l2ipolicy/agent"
	"github.com/samuelfneumann/l2ipolicy/network"
	"github.com/samuelfneumann/l2ipolicy/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

const (
	tripEmbDim = 6
	embedDim   = 16
	hiddenDim  = 32
	nAct       = 4
	nObs       = 3
)

func testConfig() Config {
	c := Default(1e-2, tripEmbDim, embedDim, hiddenDim, nAct, nObs)
	c.Device = "cpu"
	return c
}

func newTestEstimator(t testing.TB, c Config) *PolicyEstimator {
	e, err := New(c)
	require.NoError(t, err)
	return e
}

func values(n int, offset float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Sin(offset + 0.7*float64(i))
	}
	return data
}

func testInputs(batch, length int) (*mat.Dense, *tensor.Dense) {
	state := mat.NewDense(batch, nObs, values(batch*nObs, 0.3))
	trips := tensor.New(
		tensor.WithShape(batch, length, tripEmbDim),
		tensor.WithBacking(values(batch*length*tripEmbDim, 1.1)),
	)
	return state, trips
}

// row returns the inputs of the i-th sample of a batch as a batch of 1
func row(state *mat.Dense, trips *tensor.Dense, i int) (*mat.Dense,
	*tensor.Dense) {
	shape := trips.Shape()
	length, features := shape[1], shape[2]
	size := length * features

	data := trips.Data().([]float64)[i*size : (i+1)*size]
	rowTrips := tensor.New(
		tensor.WithShape(1, length, features),
		tensor.WithBacking(append([]float64(nil), data...)),
	)
	rowState := mat.NewDense(1, nObs, mat.Row(nil, i, state))
	return rowState, rowTrips
}

func requireDistribution(t *testing.T, probs *mat.Dense, rows int) {
	r, c := probs.Dims()
	require.Equal(t, rows, r)
	require.Equal(t, nAct-1, c)
	for i := 0; i < r; i++ {
		p := mat.Row(nil, i, probs)
		for _, v := range p {
			assert.GreaterOrEqual(t, v, 0.0)
		}
		assert.InDelta(t, 1.0, floats.Sum(p), 1e-5)
	}
}

func requireSameParameters(t *testing.T, want, have *network.Parameters,
	attention bool) {
	for i := 0; i < want.Len(); i++ {
		if want.At(i).Attention != attention {
			continue
		}
		assert.Equal(t, want.At(i).Value.Data(), have.At(i).Value.Data(),
			"parameter %v changed", want.At(i).Name)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	c := testConfig()
	c.NAct = 1
	assert.Error(t, c.Validate())

	c = testConfig()
	c.EmbedDim = 12
	assert.Error(t, c.Validate(), "embed not divisible by heads")

	c = testConfig()
	c.LearningRate = 0
	assert.Error(t, c.Validate())

	adam, err := solver.NewDefaultAdam(1e-3, 1)
	require.NoError(t, err)
	c.Solver = adam
	assert.NoError(t, c.Validate(), "solver overrides learning rate")

	c = testConfig()
	c.Device = "tpu"
	assert.Error(t, c.Validate())

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestPredictShape(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	assert.Equal(t, nAct-1, e.Actions())
	assert.False(t, e.IsEval())

	state, trips := testInputs(5, 7)
	probs, err := e.Predict(state, trips)
	require.NoError(t, err)
	requireDistribution(t, probs, 5)

	e.Eval()
	probs, err = e.Predict(state, trips)
	require.NoError(t, err)
	requireDistribution(t, probs, 5)
}

func TestPredictDeterministicEval(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.Eval()

	state, trips := testInputs(4, 5)
	first, err := e.Predict(state, trips)
	require.NoError(t, err)
	second, err := e.Predict(state, trips)
	require.NoError(t, err)
	assert.Equal(t, first.RawMatrix().Data, second.RawMatrix().Data)
}

func TestPredictBatchIndependence(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.Eval()

	batch := 4
	state, trips := testInputs(batch, 5)
	stacked, err := e.Predict(state, trips)
	require.NoError(t, err)

	for i := 0; i < batch; i++ {
		rowState, rowTrips := row(state, trips, i)
		single, err := e.Predict(rowState, rowTrips)
		require.NoError(t, err)
		assert.InDeltaSlice(t, mat.Row(nil, i, stacked),
			mat.Row(nil, 0, single), 1e-9)
	}
}

func TestPredictInputs(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.Eval()

	state, trips := testInputs(2, 3)
	want, err := e.Predict(state, trips)
	require.NoError(t, err)

	// float32 trips
	data32 := make([]float32, trips.Size())
	for i, v := range trips.Data().([]float64) {
		data32[i] = float32(v)
	}
	trips32 := tensor.New(tensor.WithShape(trips.Shape()...),
		tensor.WithBacking(data32))
	have, err := e.Predict(state, trips32)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.RawMatrix().Data, have.RawMatrix().Data, 1e-5)

	// Mismatched batches
	_, wrongTrips := testInputs(3, 3)
	_, err = e.Predict(state, wrongTrips)
	assert.Error(t, err)

	// Wrong observation width
	_, err = e.Predict(mat.NewDense(2, nObs+1, nil), trips)
	assert.Error(t, err)

	// Wrong rank
	flat := tensor.New(tensor.WithShape(2, 3*tripEmbDim),
		tensor.WithBacking(values(2*3*tripEmbDim, 0)))
	_, err = e.Predict(state, flat)
	assert.Error(t, err)
}

func TestPredictLengthOne(t *testing.T) {
	for _, batch := range []int{1, 5} {
		e := newTestEstimator(t, testConfig())
		state, trips := testInputs(batch, 1)

		probs, err := e.Predict(state, trips)
		require.NoError(t, err, "train batch %v", batch)
		requireDistribution(t, probs, batch)

		e.Eval()
		probs, err = e.Predict(state, trips)
		require.NoError(t, err, "eval batch %v", batch)
		requireDistribution(t, probs, batch)
	}
}

func TestPredictLengthOneEval(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.Eval()

	// A sequence of one trip attends only to itself, so the batched
	// prediction matches the prediction of each row on its own
	state, trips := testInputs(5, 1)
	stacked, err := e.Predict(state, trips)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s, tr := row(state, trips, i)
		single, err := e.Predict(s, tr)
		require.NoError(t, err)
		assert.InDeltaSlice(t, mat.Row(nil, i, stacked),
			mat.Row(nil, 0, single), 1e-9)
	}
}

func TestUpdateLengthOne(t *testing.T) {
	for _, batch := range []int{1, 5} {
		c := testConfig()
		c.Dropout = 0
		e := newTestEstimator(t, c)

		state, trips := testInputs(batch, 1)
		advantages := values(batch, 0.5)
		actions := make([]int, batch)
		for i := range actions {
			actions[i] = i % e.Actions()
		}

		probs, err := e.Predict(state, trips)
		require.NoError(t, err)
		want := 0.0
		for i := range actions {
			want -= math.Log(probs.At(i, actions[i])) * advantages[i]
		}

		before := e.Parameters()
		loss, err := e.Update(state, trips, advantages, actions)
		require.NoError(t, err, "batch %v", batch)
		assert.InDelta(t, want, loss, 1e-9)

		w, _ := before.Get(network.LogitsLayer + "/weights")
		aw, _ := e.Parameters().Get(network.LogitsLayer + "/weights")
		assert.NotEqual(t, w.Data(), aw.Data())
	}
}

func TestUpdateLengthOneAttention(t *testing.T) {
	c := testConfig()
	c.Dropout = 0
	e := newTestEstimator(t, c)

	state, trips := testInputs(5, 1)
	before := e.Parameters()
	_, err := e.Update(state, trips, []float64{1, -1, 2, 0.5, -0.5},
		[]int{0, 1, 2, 0, 1})
	require.NoError(t, err)
	after := e.Parameters()

	// The single attention weight does not depend on the queries and
	// keys, but the values still reach the output
	for _, layer := range []string{network.QueryLayer, network.KeyLayer} {
		w, _ := before.Get(layer + "/weights")
		aw, _ := after.Get(layer + "/weights")
		assert.Equal(t, w.Data(), aw.Data(), layer)
	}
	w, _ := before.Get(network.ValueLayer + "/weights")
	aw, _ := after.Get(network.ValueLayer + "/weights")
	assert.NotEqual(t, w.Data(), aw.Data())
}

func TestInputWidths(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	state, trips := testInputs(2, 3)

	wideState := mat.NewDense(2, nObs+2, values(2*(nObs+2), 0))
	_, err := e.Predict(wideState, trips)
	assert.Error(t, err)
	_, err = e.Update(wideState, trips, []float64{1, 1}, []int{0, 0})
	assert.Error(t, err)

	wideTrips := tensor.New(
		tensor.WithShape(2, 3, tripEmbDim+1),
		tensor.WithBacking(values(2*3*(tripEmbDim+1), 0)),
	)
	_, err = e.Predict(state, wideTrips)
	assert.Error(t, err)
	_, err = e.Update(state, wideTrips, []float64{1, 1}, []int{0, 0})
	assert.Error(t, err)
}

func TestUpdateGather(t *testing.T) {
	c := testConfig()
	c.Dropout = 0
	e := newTestEstimator(t, c)

	batch := 5
	state, trips := testInputs(batch, 4)
	advantages := []float64{1.0, -0.5, 2.0, 0.25, -1.5}
	actions := []int{0, 2, 1, 1, 2}

	// With no dropout a training mode prediction sees the same batch
	// statistics as the update
	probs, err := e.Predict(state, trips)
	require.NoError(t, err)

	want := 0.0
	for i := range actions {
		want -= math.Log(probs.At(i, actions[i])) * advantages[i]
	}

	loss, err := e.Update(state, trips, advantages, actions)
	require.NoError(t, err)
	assert.InDelta(t, want, loss, 1e-9)
}

func TestUpdateFlatIndex(t *testing.T) {
	c := testConfig()
	c.Dropout = 0
	e := newTestEstimator(t, c)

	batch := 2
	state, trips := testInputs(batch, 3)
	probs, err := e.Predict(state, trips)
	require.NoError(t, err)

	// Action A of the first row addresses the first entry of the next
	// row
	a := e.Actions()
	loss, err := e.Update(state, trips, []float64{1, 0}, []int{a, 0})
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(probs.At(1, 0)), loss, 1e-9)

	// Action A of the last row is outside the buffer
	before := e.Parameters()
	_, err = e.Update(state, trips, []float64{1, 1}, []int{0, a})
	assert.Error(t, err)
	_, err = e.Update(state, trips, []float64{1, 1}, []int{-1, 0})
	assert.Error(t, err)
	requireSameParameters(t, before, e.Parameters(), false)

	_, err = e.Update(state, trips, []float64{1}, []int{0, 0})
	assert.Error(t, err)
}

func TestUpdateZeroAdvantage(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	state, trips := testInputs(3, 4)
	before := e.Parameters()
	loss, err := e.Update(state, trips, []float64{0, 0, 0}, []int{0, 1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, loss, 1e-12)

	after := e.Parameters()
	requireSameParameters(t, before, after, false)
	requireSameParameters(t, before, after, true)
}

func TestUpdateLearns(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	state, trips := testInputs(1, 5)
	target := 1

	initial, err := e.Predict(state, trips)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		_, err := e.Update(state, trips, []float64{1.0}, []int{target})
		require.NoError(t, err)
	}

	final, err := e.Predict(state, trips)
	require.NoError(t, err)
	assert.Greater(t, final.At(0, target), initial.At(0, target))
	assert.Greater(t, final.At(0, target), 0.9)
}

func TestUpdateDiscardResidual(t *testing.T) {
	c := testConfig()
	c.Residual = network.ResidualDiscard
	e := newTestEstimator(t, c)

	state, trips := testInputs(3, 4)
	before := e.Parameters()
	_, err := e.Update(state, trips, []float64{1, 2, 3}, []int{0, 1, 2})
	require.NoError(t, err)
	after := e.Parameters()

	// Attention parameters never reach the output, so they are not
	// trained
	requireSameParameters(t, before, after, true)

	w, _ := before.Get(network.LogitsLayer + "/weights")
	aw, _ := after.Get(network.LogitsLayer + "/weights")
	assert.NotEqual(t, w.Data(), aw.Data())
}

func TestUpdateAttentionResidual(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	state, trips := testInputs(3, 4)
	before := e.Parameters()
	_, err := e.Update(state, trips, []float64{1, 2, 3}, []int{0, 1, 2})
	require.NoError(t, err)

	w, _ := before.Get(network.QueryLayer + "/weights")
	aw, _ := e.Parameters().Get(network.QueryLayer + "/weights")
	assert.NotEqual(t, w.Data(), aw.Data())
}

func TestSharedParametersAcrossShapes(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.Eval()

	state, trips := testInputs(2, 6)
	before, err := e.Predict(state, trips)
	require.NoError(t, err)

	// Update through a graph of a different shape
	updState, updTrips := testInputs(3, 2)
	_, err = e.Update(updState, updTrips, []float64{1, 1, 1}, []int{0, 0, 0})
	require.NoError(t, err)

	after, err := e.Predict(state, trips)
	require.NoError(t, err)
	assert.NotEqual(t, before.RawMatrix().Data, after.RawMatrix().Data)
}

func TestRunningStats(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	state, trips := testInputs(3, 4)

	e.Eval()
	before := e.RunningStats()
	_, err := e.Predict(state, trips)
	require.NoError(t, err)
	assert.Equal(t, before.Mean(network.EmbNormLayer).Data(),
		e.RunningStats().Mean(network.EmbNormLayer).Data())

	e.Train()
	_, err = e.Predict(state, trips)
	require.NoError(t, err)
	assert.NotEqual(t, before.Mean(network.EmbNormLayer).Data(),
		e.RunningStats().Mean(network.EmbNormLayer).Data())
}

func TestGraphCache(t *testing.T) {
	e, err := New(testConfig(), WithMaxGraphs(2))
	require.NoError(t, err)

	for length := 1; length <= 4; length++ {
		state, trips := testInputs(2, length)
		_, err := e.Predict(state, trips)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(e.inference)+len(e.training), 2)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)

	state, trips := testInputs(2, 3)
	_, err = e.Predict(state, trips)
	require.NoError(t, err)
	loss, err := e.Update(state, trips, []float64{1, -1}, []int{0, 1})
	require.NoError(t, err)

	assert.InDelta(t, loss, testutil.ToFloat64(e.metrics.loss), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		e.metrics.calls.WithLabelValues("update", "train")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		e.metrics.calls.WithLabelValues("predict", "train")))

	// A second estimator has its own series
	_, err = New(testConfig(), WithRegisterer(reg))
	assert.NoError(t, err)
}

func TestSetParameters(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	other := newTestEstimator(t, testConfig())
	e.Eval()
	other.Eval()

	require.NoError(t, other.SetParameters(e.Parameters()))

	state, trips := testInputs(2, 3)
	want, err := e.Predict(state, trips)
	require.NoError(t, err)
	have, err := other.Predict(state, trips)
	require.NoError(t, err)
	assert.Equal(t, want.RawMatrix().Data, have.RawMatrix().Data)
}

func BenchmarkUpdate(b *testing.B) {
	e := newTestEstimator(b, testConfig())
	state, trips := testInputs(32, 10)
	advantages := values(32, 0)
	actions := make([]int, 32)
	for i := range actions {
		actions[i] = i % e.Actions()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Update(state, trips, advantages, actions); err != nil {
			b.Fatal(err)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	state, trips := testInputs(2, 3)
	_, err := e.Update(state, trips, []float64{1, -1}, []int{0, 1})
	require.NoError(t, err)

	filename := filepath.Join(t.TempDir(), "estimator.bin")
	require.NoError(t, e.Save(filename))

	loaded := newTestEstimator(t, testConfig())
	require.NoError(t, loaded.Load(filename))

	e.Eval()
	loaded.Eval()
	want, err := e.Predict(state, trips)
	require.NoError(t, err)
	have, err := loaded.Predict(state, trips)
	require.NoError(t, err)
	assert.Equal(t, want.RawMatrix().Data, have.RawMatrix().Data)

	c := testConfig()
	c.HiddenDim = 8
	other := newTestEstimator(t, c)
	assert.Error(t, other.Load(filename))
	assert.Error(t, other.Load(filepath.Join(t.TempDir(), "missing.bin")))
}

var _ agent.Estimator = (*PolicyEstimator)(nil)
