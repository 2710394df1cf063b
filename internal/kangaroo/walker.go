package kangaroo

import (
	"encoding/binary"
	"log"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// stepHerd advances every kangaroo in the herd by one jump: select a
// slot from the current x, batch-invert all denominators, finish the
// affine additions, then emit any distinguished points produced.
func (s *Solver) stepHerd(h *Herd) {
	for i := 0; i < h.n; i++ {
		xLo := binary.BigEndian.Uint64(h.xb[i][24:32])
		xHi := binary.BigEndian.Uint64(h.xb[i][16:24])
		j := s.jumps.slot(xLo, xHi)
		if s.p.UseSymmetry && h.lastFlip[i] && j == int(h.lastJump[i]) {
			// Last-jump guard: re-taking the slot that was just undone by a
			// y-flip locks the walk into a 2-cycle.
			j = (j + NBJump/2) & (NBJump - 1)
		}
		h.slots[i] = j
		h.dead[i] = false

		h.dx[i].NegateVal(&h.px[i], 1).Add(&s.jumps.px[j]).Normalize()
		if h.dx[i].IsZero() {
			// Landing exactly on a jump point's x: the affine formula has
			// no slope here. Reseed after the batch completes.
			h.dead[i] = true
			h.dx[i].SetInt(1)
		}
	}

	if err := curve.BatchInvert(h.dx[:h.n]); err != nil {
		// Cannot happen: zero denominators were substituted above.
		log.Printf("[Solver] batch inverse: %v", err)
		return
	}

	for i := 0; i < h.n; i++ {
		if h.dead[i] {
			s.reseedKangaroo(h, i)
			continue
		}
		j := h.slots[i]
		nx, ny := curve.AddStep(&h.px[i], &h.py[i], &s.jumps.px[j], &s.jumps.py[j], &h.dx[i])
		h.d[i].Add(&s.jumps.dist[j])

		flip := false
		if s.p.UseSymmetry {
			var negY secp.FieldVal
			negY.NegateVal(&ny, 1).Normalize()
			if fieldLess(&negY, &ny) {
				ny.Set(&negY)
				h.d[i].Negate()
				flip = true
			}
		}

		h.px[i].Set(&nx)
		h.py[i].Set(&ny)
		h.lastJump[i] = uint8(j)
		h.lastFlip[i] = flip
		nx.PutBytes(&h.xb[i])

		if binary.BigEndian.Uint64(h.xb[i][24:32])&s.dMask == 0 {
			s.emitDP(h, i)
		}
	}
}

// emitDP packs the walker's current (x, d) and either hands it to the
// DP handler (client mode) or inserts it into the local table, handling
// the duplicate and collision outcomes.
func (s *Solver) emitDP(h *Herd, i int) {
	wild := i%2 == WILD
	x := h.xb[i]
	shard := dptable.Shard(x, s.dpSize)
	x128 := dptable.PackX(x)
	d128, err := packDistance(&h.d[i], wild)
	if err != nil {
		// Distance outgrew the packed format; this walker is useless.
		log.Printf("[Solver] dropping walker: %v", err)
		s.reseedKangaroo(h, i)
		return
	}

	if s.DPHandler != nil {
		s.DPHandler(uint32(i), shard, x128, d128)
		return
	}

	status, existing := s.table.Add(shard, dptable.Entry{X: x128, D: d128})
	switch status {
	case dptable.AddDuplicate:
		s.collisionInSameHerd.Add(1)
		s.reseedKangaroo(h, i)
	case dptable.AddCollision:
		if !s.ResolveCollision(existing, dptable.Entry{X: x128, D: d128}) {
			s.collisionInSameHerd.Add(1)
			s.reseedKangaroo(h, i)
		}
	}
}

// fieldLess compares two normalized field values numerically.
func fieldLess(a, b *secp.FieldVal) bool {
	var ab, bb [32]byte
	a.PutBytes(&ab)
	b.PutBytes(&bb)
	for i := 0; i < 32; i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}

// packDistance converts a mod-n distance to the signed 126-bit packed
// form: values above N/2 are stored as negative magnitudes.
func packDistance(d *secp.ModNScalar, wild bool) (dptable.D128, error) {
	v := new(secp.ModNScalar).Set(d)
	neg := v.IsOverHalfOrder()
	if neg {
		v.Negate()
	}
	mag := v.Bytes()
	return dptable.PackD(mag, neg, wild)
}

// unpackDistance is the inverse of packDistance, back to mod n.
func unpackDistance(d dptable.D128) secp.ModNScalar {
	mag := d.Magnitude()
	var s secp.ModNScalar
	s.SetBytes(&mag)
	if d.Negative() {
		s.Negate()
	}
	return s
}
