// Package estimator implements a policy-gradient estimator over the
// attention policy network: it predicts action distributions for
// batches of observations and trip sequences and performs REINFORCE
// updates with Adam.
package estimator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samuelfneumann/l2ipolicy/device"
	"github.com/samuelfneumann/l2ipolicy/network"
	"github.com/samuelfneumann/l2ipolicy/utils/op"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DefaultMaxGraphs is the default number of computational graphs an
// estimator caches before the cache is cleared
const DefaultMaxGraphs = 64

// Option configures a PolicyEstimator
type Option func(*PolicyEstimator)

// WithLogger sets the logger of the estimator
func WithLogger(logger zerolog.Logger) Option {
	return func(e *PolicyEstimator) {
		e.logger = logger
	}
}

// WithRegisterer registers the estimator's metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *PolicyEstimator) {
		e.registerer = reg
	}
}

// WithMaxGraphs sets the number of graphs cached before the cache is
// cleared. Values below 1 are ignored.
func WithMaxGraphs(n int) Option {
	return func(e *PolicyEstimator) {
		if n > 0 {
			e.maxGraphs = n
		}
	}
}

// shape identifies the cached graph for a mode, batch size and sequence
// length
type shape struct {
	mode   network.Mode
	batch  int
	length int
}

// inference is a graph that only computes the forward pass
type inference struct {
	policy *network.Policy
	vm     G.VM
}

// training is a graph that computes the policy gradient loss
//
//	loss = -Σ_i log(probs)[i*A + actions[i]] * advantages[i]
//
// and its gradient with respect to the trainable parameters.
type training struct {
	policy  *network.Policy
	vm      G.VM
	weights *G.Node // [batch*actions] advantages at the taken actions
	loss    *G.Node
	lossVal G.Value
}

// PolicyEstimator predicts categorical action distributions from
// observations and trip sequences and improves them with REINFORCE.
//
// All graphs built by a PolicyEstimator bind the same parameter
// tensors and share one solver, so updates made through a graph of
// one shape are seen by graphs of every other shape. Calls are
// serialized.
type PolicyEstimator struct {
	mu sync.Mutex

	id     uuid.UUID
	config Config
	arch   network.Architecture
	device device.Kind
	eval   bool

	params *network.Parameters
	stats  *network.RunningStats
	solver G.Solver

	inference map[shape]*inference
	training  map[shape]*training
	maxGraphs int

	logger     zerolog.Logger
	registerer prometheus.Registerer
	metrics    *metrics
}

// New creates a new PolicyEstimator. The estimator starts in training
// mode.
func New(c Config, opts ...Option) (*PolicyEstimator, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	kind, err := device.Resolve(c.Device)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	projInit, err := c.projectionInit()
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	arch := c.architecture()
	params, err := network.NewParameters(arch, projInit)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	s, err := c.solver()
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	e := &PolicyEstimator{
		id:        uuid.New(),
		config:    c,
		arch:      arch,
		device:    kind,
		params:    params,
		stats:     network.NewRunningStats(arch),
		solver:    s.New(),
		inference: make(map[shape]*inference),
		training:  make(map[shape]*training),
		maxGraphs: DefaultMaxGraphs,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.metrics, err = newMetrics(e.registerer, e.id.String())
	if err != nil {
		return nil, fmt.Errorf("new: could not register metrics: %v", err)
	}
	e.logger = e.logger.With().Str("estimator", e.id.String()).Logger()

	e.logger.Info().
		Str("device", string(e.device)).
		Int("trip_emb_dim", c.TripEmbDim).
		Int("embed_dim", c.EmbedDim).
		Int("hidden_dim", c.HiddenDim).
		Int("actions", arch.Actions).
		Int("observations", c.NObs).
		Int("heads", arch.Heads).
		Str("residual", string(arch.Residual)).
		Str("solver", string(s.Type)).
		Float64("step_size", s.StepSize()).
		Msg("created policy estimator")

	return e, nil
}

// NewDefault creates a new PolicyEstimator with the default pooler
// configuration and an Adam solver with the given learning rate
func NewDefault(learningRate float64, tripEmbDim, embedDim, hiddenDim, nAct,
	nObs int, opts ...Option) (*PolicyEstimator, error) {
	c := Default(learningRate, tripEmbDim, embedDim, hiddenDim, nAct, nObs)
	return New(c, opts...)
}

// ID returns the unique id of the estimator
func (e *PolicyEstimator) ID() uuid.UUID {
	return e.id
}

// Device returns the device the estimator's graphs run on
func (e *PolicyEstimator) Device() device.Kind {
	return e.device
}

// Actions returns the number of modeled actions, which is one less
// than the NAct the estimator was configured with
func (e *PolicyEstimator) Actions() int {
	return e.arch.Actions
}

// Eval sets the estimator to evaluation mode: Predict applies no
// dropout and normalizes with the running statistics
func (e *PolicyEstimator) Eval() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eval = true
}

// Train sets the estimator to training mode
func (e *PolicyEstimator) Train() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eval = false
}

// IsEval returns whether the estimator is in evaluation mode
func (e *PolicyEstimator) IsEval() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval
}

// Parameters returns a copy of the estimator's parameters
func (e *PolicyEstimator) Parameters() *network.Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

// SetParameters copies the values of params into the estimator's
// parameters. The solver's moment estimates are kept.
func (e *PolicyEstimator) SetParameters(params *network.Parameters) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.params.Set(params); err != nil {
		return fmt.Errorf("setParameters: %v", err)
	}
	return nil
}

// RunningStats returns a copy of the running normalization statistics
func (e *PolicyEstimator) RunningStats() *network.RunningStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Clone()
}

// Predict returns the [batch, Actions()] matrix of action
// probabilities for a [batch, NObs] matrix of observations and a
// [batch, length, TripEmbDim] tensor of trip embeddings.
//
// In training mode dropout is applied, normalization uses the batch
// statistics and the running statistics are updated.
func (e *PolicyEstimator) Predict(state mat.Matrix,
	trips tensor.Tensor) (*mat.Dense, error) {
	start := time.Now()

	obs, batch, cols, err := observations(state)
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	seqs, tripBatch, length, features, err := sequences(trips)
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	if tripBatch != batch {
		return nil, fmt.Errorf("predict: have %v observations but %v trip "+
			"sequences", batch, tripBatch)
	}
	if err := e.checkWidths(cols, features); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mode := network.Train
	if e.eval {
		mode = network.Eval
	}
	g, err := e.inferenceGraph(mode, batch, length)
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	if err := g.policy.Bind(e.params, e.stats); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	if err := g.policy.SetInput(obs, seqs); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	defer g.vm.Reset()
	if err := g.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	probs, err := g.policy.Output()
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	if err := g.policy.Fold(e.stats); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	e.metrics.observe("predict", mode.String(), start)
	return mat.NewDense(batch, e.arch.Actions, probs), nil
}

// Update performs one REINFORCE step on a batch of observations, trip
// sequences, advantages and taken actions, and returns the loss
//
//	-Σ_i log p_i * advantages[i]
//
// computed before the step. The log-probabilities are flattened in
// row-major order and p_i is the entry at flat index
// i*Actions() + actions[i]; a flat index outside the buffer is an
// error. Update always runs in training mode.
func (e *PolicyEstimator) Update(states mat.Matrix, trips tensor.Tensor,
	advantages []float64, actions []int) (float64, error) {
	start := time.Now()

	obs, batch, cols, err := observations(states)
	if err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	seqs, tripBatch, length, features, err := sequences(trips)
	if err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if tripBatch != batch {
		return 0, fmt.Errorf("update: have %v observations but %v trip "+
			"sequences", batch, tripBatch)
	}
	if err := e.checkWidths(cols, features); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if len(advantages) != batch {
		return 0, fmt.Errorf("update: have %v advantages for a batch of %v",
			len(advantages), batch)
	}

	// Out of range actions are caught here, before any state changes
	weights, err := op.FlatWeights(batch, e.arch.Actions, actions, advantages)
	if err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.trainingGraph(batch, length)
	if err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}

	if err := G.Let(g.weights, weights); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if err := g.policy.Bind(e.params, e.stats); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if err := g.policy.SetInput(obs, seqs); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}

	defer g.vm.Reset()
	if err := g.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	loss, ok := g.lossVal.Data().(float64)
	if !ok {
		return 0, fmt.Errorf("update: unexpected loss of type %T",
			g.lossVal.Data())
	}

	if err := e.solver.Step(g.policy.Model()); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if err := g.policy.Sync(e.params); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if err := g.policy.Fold(e.stats); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}

	e.metrics.observe("update", network.Train.String(), start)
	e.metrics.loss.Set(loss)
	e.logger.Debug().
		Int("batch", batch).
		Int("length", length).
		Float64("loss", loss).
		Dur("elapsed", time.Since(start)).
		Msg("policy update")

	return loss, nil
}

// checkWidths checks the widths of an observation and of a trip
// embedding against the architecture
func (e *PolicyEstimator) checkWidths(obs, tripEmb int) error {
	if obs != e.arch.Observations {
		return fmt.Errorf("checkWidths: observations have %v features, "+
			"want %v", obs, e.arch.Observations)
	}
	if tripEmb != e.arch.TripEmb {
		return fmt.Errorf("checkWidths: trip embeddings have %v features, "+
			"want %v", tripEmb, e.arch.TripEmb)
	}
	return nil
}

// inferenceGraph returns the cached inference graph for the given
// shape, building it if needed
func (e *PolicyEstimator) inferenceGraph(mode network.Mode, batch,
	length int) (*inference, error) {
	key := shape{mode: mode, batch: batch, length: length}
	if g, ok := e.inference[key]; ok {
		return g, nil
	}
	e.reserveGraph()

	policy, err := network.NewPolicy(e.arch, e.params, mode, batch, length)
	if err != nil {
		return nil, fmt.Errorf("inferenceGraph: %v", err)
	}
	g := &inference{
		policy: policy,
		vm:     G.NewTapeMachine(policy.Graph()),
	}

	e.inference[key] = g
	e.graphBuilt(key, "inference")
	return g, nil
}

// trainingGraph returns the cached training graph for the given
// shape, building it if needed
func (e *PolicyEstimator) trainingGraph(batch, length int) (*training,
	error) {
	key := shape{mode: network.Train, batch: batch, length: length}
	if g, ok := e.training[key]; ok {
		return g, nil
	}
	e.reserveGraph()

	policy, err := network.NewPolicy(e.arch, e.params, network.Train, batch,
		length)
	if err != nil {
		return nil, fmt.Errorf("trainingGraph: %v", err)
	}
	g, err := newTraining(policy, e.arch.Actions)
	if err != nil {
		return nil, fmt.Errorf("trainingGraph: %v", err)
	}

	e.training[key] = g
	e.graphBuilt(key, "training")
	return g, nil
}

// newTraining adds the policy gradient loss and its gradient to the
// graph of policy
func newTraining(policy *network.Policy, actions int) (*training, error) {
	g := policy.Graph()
	batch := policy.BatchSize()

	weights := G.NewVector(
		g,
		tensor.Float64,
		G.WithShape(batch*actions),
		G.WithName("weights"),
		G.WithInit(G.Zeroes()),
	)

	logProbs, err := G.Log(policy.Prediction())
	if err != nil {
		return nil, errors.Wrap(err, "log-probabilities")
	}
	logProbs, err = G.Reshape(logProbs, tensor.Shape{batch * actions})
	if err != nil {
		return nil, errors.Wrap(err, "flattening log-probabilities")
	}
	loss, err := G.HadamardProd(weights, logProbs)
	if err != nil {
		return nil, errors.Wrap(err, "weighting log-probabilities")
	}
	loss = G.Must(G.Sum(loss))
	loss = G.Must(G.Neg(loss))

	if _, err := G.Grad(loss, policy.Trainable()...); err != nil {
		return nil, errors.Wrap(err, "policy gradient")
	}

	t := &training{
		policy:  policy,
		weights: weights,
		loss:    loss,
	}
	G.Read(loss, &t.lossVal)
	t.vm = G.NewTapeMachine(g, G.BindDualValues(policy.Trainable()...))
	return t, nil
}

// reserveGraph clears the graph caches when they are full
func (e *PolicyEstimator) reserveGraph() {
	if len(e.inference)+len(e.training) < e.maxGraphs {
		return
	}
	for key, g := range e.inference {
		g.vm.Close()
		delete(e.inference, key)
	}
	for key, g := range e.training {
		g.vm.Close()
		delete(e.training, key)
	}
	e.logger.Debug().Int("max_graphs", e.maxGraphs).Msg("cleared graph cache")
}

// graphBuilt records that a graph was added to the cache
func (e *PolicyEstimator) graphBuilt(key shape, kind string) {
	cached := len(e.inference) + len(e.training)
	e.metrics.graphs.Set(float64(cached))
	e.logger.Debug().
		Str("graph", kind).
		Str("mode", key.mode.String()).
		Int("batch", key.batch).
		Int("length", key.length).
		Int("cached", cached).
		Msg("built graph")
}
