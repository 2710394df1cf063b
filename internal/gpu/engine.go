// Package gpu is the offload boundary for hardware walker herds. The
// kernel itself is an external collaborator; this package only defines
// the interface and the grid configuration, with a CPU fallback when
// the binary is built without the 'cuda' tag.
package gpu

import (
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// GridConfig selects a device and its kernel launch geometry.
type GridConfig struct {
	GPUID int
	GridX int
	GridY int
}

// Engine advances a device-resident herd and drains the distinguished
// points it produced, the same (x, d) triples a CPU worker emits.
type Engine interface {
	// NbKangaroo reports the herd size the grid holds.
	NbKangaroo() uint64
	// Step runs one kernel launch and returns the DPs found.
	Step() ([]FoundDP, error)
	// Close releases device memory.
	Close() error
}

// FoundDP is one device-produced distinguished point.
type FoundDP struct {
	KIdx uint32
	H    uint32
	X    dptable.X128
	D    dptable.D128
}
