package kangaroo

import (
	"log"
	"math/big"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// ResolveCollision attempts to recover the private key from two records
// sharing an x coordinate. Both sign assignments of each distance are
// tried, which absorbs the ambiguity symmetry introduces. Returns true
// and flips endOfSearch when a candidate verifies; a false return is a
// same-herd event and the emitting walker should be reseeded.
func (s *Solver) ResolveCollision(e1, e2 dptable.Entry) bool {
	if e1.D.Wild() == e2.D.Wild() {
		return false
	}
	var tame, wild dptable.D128
	if e1.D.Wild() {
		wild, tame = e1.D, e2.D
	} else {
		tame, wild = e1.D, e2.D
	}

	dt := unpackDistance(tame)
	dw := unpackDistance(wild)

	for _, st := range []bool{false, true} {
		for _, sw := range []bool{false, true} {
			a := new(secp.ModNScalar).Set(&dt)
			if st {
				a.Negate()
			}
			b := new(secp.ModNScalar).Set(&dw)
			if !sw {
				b.Negate() // k = dt - dw + mid
			}
			a.Add(b)
			cand := new(big.Int).Add(curve.ScalarToBig(a), s.rangeMid)
			cand.Mod(cand, curve.N)
			if k, ok := s.checkKey(cand); ok {
				log.Printf("[Solver] Collision resolved, key in range")
				s.setFound(k)
				return true
			}
		}
	}

	log.Printf("[Solver] Collision without key (same-path artifact), continuing")
	return false
}

// checkKey verifies a candidate scalar against the searched key,
// accepting k*G == P directly or via the negated key (k*G == -P means
// the key is n-k). The winner must also sit inside [A, B].
func (s *Solver) checkKey(cand *big.Int) (*big.Int, bool) {
	ks := curve.BigToScalar(cand)
	q := curve.ScalarBaseMult(&ks)
	if q.Equals(&s.p.Key) {
		if s.inRange(cand) {
			return cand, true
		}
		return nil, false
	}
	if q.Equals(&s.keyNeg) {
		neg := new(big.Int).Sub(curve.N, cand)
		neg.Mod(neg, curve.N)
		if s.inRange(neg) {
			return neg, true
		}
	}
	return nil, false
}

func (s *Solver) inRange(k *big.Int) bool {
	return k.Cmp(s.p.RangeStart) >= 0 && k.Cmp(s.p.RangeEnd) <= 0
}
