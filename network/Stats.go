package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"gorgonia.org/tensor"
)

// Batch normalization constants
const (
	NormEpsilon  = 1e-5
	NormMomentum = 0.1
)

// RunningStats holds the running per-channel mean and variance of each
// normalization layer. Train graphs fold their batch statistics into
// the running statistics; Eval graphs normalize with them.
type RunningStats struct {
	momentum float64
	mean     map[string]*tensor.Dense
	variance map[string]*tensor.Dense
}

// NewRunningStats returns running statistics for the normalization
// layers of arch, initialized to zero mean and unit variance.
func NewRunningStats(arch Architecture) *RunningStats {
	r := &RunningStats{
		momentum: NormMomentum,
		mean:     make(map[string]*tensor.Dense, len(NormLayers)),
		variance: make(map[string]*tensor.Dense, len(NormLayers)),
	}
	for _, layer := range NormLayers {
		r.mean[layer] = tensor.New(
			tensor.WithShape(arch.Embed),
			tensor.WithBacking(make([]float64, arch.Embed)),
		)

		ones := make([]float64, arch.Embed)
		for i := range ones {
			ones[i] = 1.0
		}
		r.variance[layer] = tensor.New(
			tensor.WithShape(arch.Embed),
			tensor.WithBacking(ones),
		)
	}
	return r
}

// Mean returns the running mean of a normalization layer
func (r *RunningStats) Mean(layer string) *tensor.Dense {
	return r.mean[layer]
}

// Variance returns the running variance of a normalization layer
func (r *RunningStats) Variance(layer string) *tensor.Dense {
	return r.variance[layer]
}

// Clone returns a deep copy of the running statistics
func (r *RunningStats) Clone() *RunningStats {
	clone := &RunningStats{
		momentum: r.momentum,
		mean:     make(map[string]*tensor.Dense, len(r.mean)),
		variance: make(map[string]*tensor.Dense, len(r.variance)),
	}
	for layer := range r.mean {
		clone.mean[layer] = r.mean[layer].Clone().(*tensor.Dense)
		clone.variance[layer] = r.variance[layer].Clone().(*tensor.Dense)
	}
	return clone
}

// update folds the batch statistics of a layer, computed over count
// positions, into the running statistics. The batch variance is the
// biased estimate; the running variance tracks the unbiased one.
func (r *RunningStats) update(layer string, mean, variance []float64,
	count int) error {
	runMean, ok := r.mean[layer]
	if !ok {
		return fmt.Errorf("update: unknown normalization layer %q", layer)
	}
	runVar := r.variance[layer]

	meanData := runMean.Data().([]float64)
	varData := runVar.Data().([]float64)
	if len(mean) != len(meanData) || len(variance) != len(varData) {
		return fmt.Errorf("update: layer %q has %d channels, batch "+
			"statistics have (%d, %d)", layer, len(meanData), len(mean),
			len(variance))
	}

	correction := 1.0
	if count > 1 {
		correction = float64(count) / float64(count-1)
	}
	for i := range meanData {
		meanData[i] = (1-r.momentum)*meanData[i] + r.momentum*mean[i]
		varData[i] = (1-r.momentum)*varData[i] +
			r.momentum*variance[i]*correction
	}
	return nil
}

// Set copies the running statistics of source into r
func (r *RunningStats) Set(source *RunningStats) error {
	for layer := range r.mean {
		mean, ok := source.mean[layer]
		if !ok {
			return fmt.Errorf("set: source has no statistics for %q", layer)
		}
		if err := tensor.Copy(r.mean[layer], mean); err != nil {
			return fmt.Errorf("set: %v running mean: %v", layer, err)
		}
		if err := tensor.Copy(r.variance[layer],
			source.variance[layer]); err != nil {
			return fmt.Errorf("set: %v running variance: %v", layer, err)
		}
	}
	return nil
}

// runningStatsData is the serialized form of RunningStats
type runningStatsData struct {
	Momentum float64
	Mean     map[string][]float64
	Variance map[string][]float64
}

// GobEncode implements the gob.GobEncoder interface
func (r *RunningStats) GobEncode() ([]byte, error) {
	data := runningStatsData{
		Momentum: r.momentum,
		Mean:     make(map[string][]float64, len(r.mean)),
		Variance: make(map[string][]float64, len(r.variance)),
	}
	for layer := range r.mean {
		data.Mean[layer] = r.mean[layer].Data().([]float64)
		data.Variance[layer] = r.variance[layer].Data().([]float64)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, fmt.Errorf("gobEncode: %v", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (r *RunningStats) GobDecode(in []byte) error {
	var data runningStatsData
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&data); err != nil {
		return fmt.Errorf("gobDecode: %v", err)
	}

	r.momentum = data.Momentum
	r.mean = make(map[string]*tensor.Dense, len(data.Mean))
	r.variance = make(map[string]*tensor.Dense, len(data.Variance))
	for layer, mean := range data.Mean {
		variance, ok := data.Variance[layer]
		if !ok || len(variance) != len(mean) {
			return fmt.Errorf("gobDecode: invalid statistics for %q", layer)
		}
		r.mean[layer] = tensor.New(
			tensor.WithShape(len(mean)),
			tensor.WithBacking(mean),
		)
		r.variance[layer] = tensor.New(
			tensor.WithShape(len(variance)),
			tensor.WithBacking(variance),
		)
	}
	return nil
}
