// Package device selects the device that an estimator's computational
// graphs execute on.
//
// CUDA execution requires both a binary built with the cuda build tag,
// which Gorgonia uses to dispatch supported operations to the GPU, and
// at least one visible CUDA device. Otherwise graphs run on the CPU.
package device

import "fmt"

// Kind is a type of device. The zero Kind is treated as Auto.
type Kind string

const (
	// Auto selects CUDA when it is available and the CPU otherwise
	Auto Kind = "auto"
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Validate returns an error if k is not a known Kind
func (k Kind) Validate() error {
	switch k {
	case "", Auto, CPU, CUDA:
		return nil
	}
	return fmt.Errorf("unknown device %q", string(k))
}

// Available returns whether graphs can be executed on a CUDA device
func Available() bool {
	return cudaDevices() > 0
}

// Detect returns CUDA if it is available and CPU otherwise
func Detect() Kind {
	if Available() {
		return CUDA
	}
	return CPU
}

// Resolve returns the device to use when k is requested. Requesting
// CUDA when it is unavailable is an error; Auto never fails.
func Resolve(k Kind) (Kind, error) {
	if err := k.Validate(); err != nil {
		return "", fmt.Errorf("resolve: %v", err)
	}

	switch k {
	case "", Auto:
		return Detect(), nil
	case CUDA:
		if !Available() {
			return "", fmt.Errorf("resolve: no CUDA device available")
		}
	}
	return k, nil
}
