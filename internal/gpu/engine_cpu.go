//go:build !cuda

package gpu

import (
	"errors"
	"log"
)

// ErrNoCUDA is returned when GPU offload is requested from a binary
// compiled without the 'cuda' build tag.
var ErrNoCUDA = errors.New("engine was compiled without CUDA support")

// NewEngine is the CPU-build stub. On macOS or environments without
// Nvidia GPUs this is safely loaded instead of the CGO kernel; callers
// fall back to CPU herds.
func NewEngine(cfg GridConfig) (Engine, error) {
	log.Println("[WARNING] Hardware acceleration requested, but engine was compiled without CUDA support. Falling back to CPU herds.")
	return nil, ErrNoCUDA
}
