//go:build cuda

package gpu

import (
	"fmt"
)

// NewEngine binds the external CUDA walker kernel. The kernel library
// ships separately (see the deployment notes); a cuda-tagged build
// without it linked fails here rather than at an arbitrary later point.
func NewEngine(cfg GridConfig) (Engine, error) {
	return nil, fmt.Errorf("gpu %d: CUDA walker kernel not linked into this build (grid %dx%d)",
		cfg.GPUID, cfg.GridX, cfg.GridY)
}
