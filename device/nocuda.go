//go:build !cuda
// +build !cuda

package device

// cudaDevices returns 0: the binary was built without CUDA support
func cudaDevices() int {
	return 0
}
