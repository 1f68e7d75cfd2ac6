package estimator

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// observations returns a row-major copy of the rows of state
func observations(state mat.Matrix) (data []float64, rows, cols int,
	err error) {
	if state == nil {
		return nil, 0, 0, fmt.Errorf("observations: nil state")
	}
	rows, cols = state.Dims()
	if rows == 0 || cols == 0 {
		return nil, 0, 0, fmt.Errorf("observations: empty state of "+
			"shape (%v, %v)", rows, cols)
	}

	// DenseCopyOf always returns a contiguous copy, so the raw backing
	// holds exactly rows*cols values
	dense := mat.DenseCopyOf(state)
	return dense.RawMatrix().Data, rows, cols, nil
}

// sequences returns a row-major float64 copy of a [batch, length,
// features] tensor of trip embeddings
func sequences(trips tensor.Tensor) (data []float64, batch, length,
	features int, err error) {
	if trips == nil {
		return nil, 0, 0, 0, fmt.Errorf("sequences: nil trips")
	}
	if trips.Dims() != 3 {
		return nil, 0, 0, 0, fmt.Errorf("sequences: trips must have "+
			"shape [batch, length, features], have %v", trips.Shape())
	}
	shape := trips.Shape()
	batch, length, features = shape[0], shape[1], shape[2]
	if batch == 0 || length == 0 || features == 0 {
		return nil, 0, 0, 0, fmt.Errorf("sequences: empty trips of shape "+
			"%v", shape)
	}

	if d, ok := trips.(*tensor.Dense); ok && d.IsMaterializable() {
		trips = d.Materialize()
	}

	size := batch * length * features
	switch backing := trips.Data().(type) {
	case []float64:
		if len(backing) < size {
			break
		}
		return append([]float64(nil), backing[:size]...), batch, length,
			features, nil

	case []float32:
		if len(backing) < size {
			break
		}
		data = make([]float64, size)
		for i := range data {
			data[i] = float64(backing[i])
		}
		return data, batch, length, features, nil

	default:
		return nil, 0, 0, 0, fmt.Errorf("sequences: unsupported trip "+
			"data type %v", trips.Dtype())
	}
	return nil, 0, 0, 0, fmt.Errorf("sequences: trips of shape %v have "+
		"too few elements", shape)
}
