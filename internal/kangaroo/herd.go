package kangaroo

import (
	"encoding/binary"
	"math/big"
	"math/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
)

// Herd is one worker's group of kangaroos, advanced together so their
// field inversions can be batched. A herd is owned by exactly one
// walker thread; the solver only touches it while the thread is parked.
type Herd struct {
	n  int
	px []secp.FieldVal
	py []secp.FieldVal
	d  []secp.ModNScalar
	xb [][32]byte // current big-endian x, refreshed every step

	lastJump []uint8
	lastFlip []bool

	rng *rand.Rand

	// per-step scratch, reused to keep the hot loop allocation-free
	dx    []secp.FieldVal
	slots []int
	dead  []bool
}

// WalkState is one serialized kangaroo: affine position plus travelled
// distance. Type is implicit in the record's position within the file.
type WalkState struct {
	PX [32]byte
	PY [32]byte
	D  [32]byte
}

// createHerd builds a worker's herd, consuming loaded walker states
// first and topping up with freshly created kangaroos.
func (s *Solver) createHerd(workerID int) *Herd {
	n := s.p.GrpSize
	h := &Herd{
		n:        n,
		px:       make([]secp.FieldVal, n),
		py:       make([]secp.FieldVal, n),
		d:        make([]secp.ModNScalar, n),
		xb:       make([][32]byte, n),
		lastJump: make([]uint8, n),
		lastFlip: make([]bool, n),
		dx:       make([]secp.FieldVal, n),
		slots:    make([]int, n),
		dead:     make([]bool, n),
	}

	keyX := s.p.Key.XBytes()
	seedInput := append(keyX[:], byte(workerID), byte(workerID>>8))
	digest := chainhash.HashB(seedInput)
	h.rng = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(digest[:8])) ^ int64(workerID)))

	for i := 0; i < n; i++ {
		if len(s.loadedWalks) > 0 {
			st := s.loadedWalks[0]
			s.loadedWalks = s.loadedWalks[1:]
			s.restoreKangaroo(h, i, st)
		} else {
			s.createKangaroo(h, i)
		}
		s.nbKangaroo.Add(1)
	}
	return h
}

// createKangaroo seeds slot i with a fresh walker of the type its parity
// dictates. The problem is recentered around the interval midpoint: tame
// walkers start at d*G with d uniform in [0, W), wild walkers at Q + d*G
// with d signed in [-W/2, W/2), so a collision yields
// k = d_tame - d_wild + (A+B)/2.
func (s *Solver) createKangaroo(h *Herd, i int) {
	if i%2 == TAME {
		dt := randBig(h.rng, s.rangeWidth)
		for dt.Sign() == 0 {
			// d = 0 would start at the point at infinity.
			dt = randBig(h.rng, s.rangeWidth)
		}
		h.d[i] = curve.BigToScalar(dt)
		p := curve.ScalarBaseMult(&h.d[i])
		h.px[i].Set(&p.X)
		h.py[i].Set(&p.Y)
	} else {
		half := new(big.Int).Rsh(s.rangeWidth, 1)
		dw := randBig(h.rng, s.rangeWidth)
		dw.Sub(dw, half)
		for dw.Sign() == 0 {
			dw = randBig(h.rng, s.rangeWidth)
			dw.Sub(dw, half)
		}
		h.d[i] = curve.BigToScalar(dw)
		offs := curve.ScalarBaseMult(&h.d[i])
		p := curve.Add(&s.wildOff, &offs)
		h.px[i].Set(&p.X)
		h.py[i].Set(&p.Y)
	}
	h.lastJump[i] = 0
	h.lastFlip[i] = false
	h.refreshX(i)
}

// reseedKangaroo replaces a dead walker with a fresh one of the same
// type at a random offset, breaking internal cycles.
func (s *Solver) reseedKangaroo(h *Herd, i int) {
	s.createKangaroo(h, i)
}

func (s *Solver) restoreKangaroo(h *Herd, i int, st WalkState) {
	p, err := curve.NewPoint(st.PX, st.PY)
	if err != nil || !p.OnCurve() {
		// A corrupt walker record costs one fresh kangaroo, not the run.
		s.createKangaroo(h, i)
		return
	}
	h.px[i].Set(&p.X)
	h.py[i].Set(&p.Y)
	h.d[i].SetBytes(&st.D)
	h.lastJump[i] = 0
	h.lastFlip[i] = false
	h.refreshX(i)
}

func (h *Herd) refreshX(i int) {
	x := new(secp.FieldVal).Set(&h.px[i])
	x.Normalize().PutBytes(&h.xb[i])
}

// snapshot serializes the herd for the work-file kangaroo tail. Only
// called while the owning worker is parked.
func (h *Herd) snapshot() []WalkState {
	out := make([]WalkState, h.n)
	for i := 0; i < h.n; i++ {
		out[i].PX = h.xb[i]
		y := new(secp.FieldVal).Set(&h.py[i])
		y.Normalize().PutBytes(&out[i].PY)
		db := h.d[i].Bytes()
		out[i].D = db
	}
	return out
}
