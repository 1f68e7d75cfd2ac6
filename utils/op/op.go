// Package op provides extended Gorgonia graph operations.
//
// Adapted from aunum/G.ld on GitHub
package op

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LogSumExp calculates the log of the summation of exponentials of
// all logits along the given axis of a matrix.
//
// Use this in place of Gorgonia's LogSumExp, which has the final sum
// and log interchanged, which is incorrect.
func LogSumExp(logits *G.Node, along int) *G.Node {
	max := G.Must(G.Max(logits, along))

	exponent := G.Must(G.BroadcastSub(logits, max, nil, []byte{byte(along)}))
	exponent = G.Must(G.Exp(exponent))

	sum := G.Must(G.Sum(exponent, along))
	log := G.Must(G.Log(sum))

	return G.Must(G.Add(max, log))
}

// SoftMax returns the row-wise normalized exponential of a matrix of
// logits: each row of the result is a categorical distribution.
func SoftMax(logits *G.Node) (*G.Node, error) {
	if !logits.IsMatrix() {
		return nil, fmt.Errorf("softMax: logits must be a matrix, have "+
			"shape %v", logits.Shape())
	}
	lse := LogSumExp(logits, 1)
	logProbs, err := G.BroadcastSub(logits, lse, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("softMax: %v", err)
	}
	return G.Exp(logProbs)
}

// FlatIndices returns, for each row i of a row-major [rows, cols]
// buffer, the flat index i*cols + columns[i].
//
// Only the final flat index is checked: a column outside [0, cols)
// whose flat index still lands inside the buffer addresses an element
// of a neighbouring row.
func FlatIndices(rows, cols int, columns []int) ([]int, error) {
	if len(columns) != rows {
		return nil, fmt.Errorf("flatIndices: have %d indices for %d rows",
			len(columns), rows)
	}
	size := rows * cols
	indices := make([]int, rows)
	for i, c := range columns {
		index := i*cols + c
		if index < 0 || index >= size {
			return nil, fmt.Errorf("flatIndices: flat index %d of row %d "+
				"out of range [0, %d)", index, i, size)
		}
		indices[i] = index
	}
	return indices, nil
}

// FlatWeights returns the length rows*cols vector w with
// w[i*cols + columns[i]] += weights[i] and zeroes elsewhere. The dot
// product of w with a flattened row-major [rows, cols] buffer is the
// weighted sum of the entries at the flat indices of FlatIndices, and
// inside a computational graph only those entries receive gradient.
func FlatWeights(rows, cols int, columns []int, weights []float64) (
	*tensor.Dense, error) {
	if len(weights) != rows {
		return nil, fmt.Errorf("flatWeights: have %d weights for %d rows",
			len(weights), rows)
	}
	indices, err := FlatIndices(rows, cols, columns)
	if err != nil {
		return nil, fmt.Errorf("flatWeights: %v", err)
	}

	backing := make([]float64, rows*cols)
	for i, index := range indices {
		backing[index] += weights[i]
	}
	return tensor.New(
		tensor.WithShape(rows*cols),
		tensor.WithBacking(backing),
	), nil
}
