//go:build cuda
// +build cuda

package device

import "gorgonia.org/cu"

// cudaDevices returns the number of visible CUDA devices
func cudaDevices() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}
