package kangaroo

import (
	"log"
	"math"
	"math/big"
	"math/rand"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
)

// expectedFactor is the empirical constant relating expected group
// operations to the square root of the range width.
const expectedFactor = 2.1

// initRange derives the interval geometry and the wild translation
// point Q = P - ((A+B)/2)*G, so the wild herd walks a signed distance
// around zero.
func (s *Solver) initRange() {
	s.rangeWidth = new(big.Int).Sub(s.p.RangeEnd, s.p.RangeStart)
	s.rangePower = s.rangeWidth.BitLen()

	s.rangeMid = new(big.Int).Add(s.p.RangeStart, s.p.RangeEnd)
	s.rangeMid.Rsh(s.rangeMid, 1)

	mid := curve.BigToScalar(s.rangeMid)
	midG := curve.ScalarBaseMult(&mid)
	negMidG := midG.Neg()
	s.wildOff = curve.Add(&s.p.Key, &negMidG)
	s.keyNeg = s.p.Key.Neg()
}

// setDP picks the distinguished-point size: forced when initDP >= 0,
// otherwise rangePower/2 - log2(totalRW) - 2, clamped to [0, 32]. A
// larger value shrinks the table, a smaller one shortens the walks.
func (s *Solver) setDP(initDP int32, totalRW uint64) {
	dp := int32(0)
	if initDP >= 0 {
		dp = initDP
	} else {
		dp = int32(s.rangePower)/2 - int32(math.Log2(float64(totalRW))) - 2
	}
	if dp < 0 {
		dp = 0
	}
	if dp > 32 {
		dp = 32
	}
	s.dpSize = uint32(dp)
	s.dMask = (uint64(1) << s.dpSize) - 1
	log.Printf("[Solver] DP size: %d [0x%016x]", s.dpSize, s.dMask)
}

// computeExpected estimates total group operations, distinguished points
// and table RAM for the current configuration.
func (s *Solver) computeExpected() (ops, dps, ramBytes float64) {
	nbK := float64(s.nbKangaroo.Load())
	if nbK == 0 {
		nbK = float64(s.p.NbCPUThread * s.p.GrpSize)
	}
	sqrtW := math.Pow(2, float64(s.rangePower)/2)
	ops = expectedFactor*sqrtW + nbK*math.Pow(2, float64(s.dpSize))
	dps = ops / math.Pow(2, float64(s.dpSize))
	ramBytes = dps * 32
	return ops, dps, ramBytes
}

func (s *Solver) reportExpected(totalRW uint64) {
	ops, dps, ram := s.computeExpected()
	log.Printf("[Solver] Range width: 2^%d", s.rangePower)
	log.Printf("[Solver] Jumps: %d, avg 2^%.2f", NBJump, s.jumps.AvgLog2())
	log.Printf("[Solver] Kangaroos: 2^%.2f", math.Log2(float64(totalRW)))
	log.Printf("[Solver] Expected ops: 2^%.2f", math.Log2(ops))
	log.Printf("[Solver] Expected DPs: 2^%.2f [%.1f MB]", math.Log2(dps), ram/(1024*1024))
}

func log2u64(v uint64) float64 {
	if v == 0 {
		return 0
	}
	return math.Log2(float64(v))
}

// randBig draws a uniform value in [0, max) from rng. max must be
// positive. The modulo bias is irrelevant for walk seeding.
func randBig(rng *rand.Rand, max *big.Int) *big.Int {
	nBytes := (max.BitLen() + 7) / 8
	buf := make([]byte, nBytes+8)
	for i := range buf {
		buf[i] = byte(rng.Intn(256))
	}
	v := new(big.Int).SetBytes(buf)
	return v.Mod(v, max)
}
