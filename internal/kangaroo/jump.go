package kangaroo

import (
	"encoding/binary"
	"math"
	"math/big"
	"math/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
)

// NBJump is the jump table size. Must be a power of two so slot
// selection is a mask.
const NBJump = 32

// JumpTable holds NBJump precomputed step distances and their curve
// points. It is immutable after construction and shared read-only by
// every walker thread.
type JumpTable struct {
	dist    [NBJump]secp.ModNScalar
	distBig [NBJump]*big.Int
	px      [NBJump]secp.FieldVal
	py      [NBJump]secp.FieldVal
	avgLog2 float64
	dpSize  uint32
}

// NewJumpTable draws NBJump distinct positive distances with mean close
// to sqrt(W)/2 and log2(max) < rangePower/2 + 2, then precomputes the
// matching points. The PRNG is seeded from the key's x coordinate and
// the range width so identical configurations rebuild identical tables.
func NewJumpTable(rangePower int, dpSize uint32, keyX [32]byte, rangeWidth *big.Int) *JumpTable {
	seedInput := append(keyX[:], rangeWidth.Bytes()...)
	digest := chainhash.HashB(seedInput)
	seed := int64(binary.LittleEndian.Uint64(digest[:8]))
	rng := rand.New(rand.NewSource(seed))

	// Uniform draws below 2^jumpBit have mean 2^(jumpBit-1), so this
	// lands the average on sqrt(W)/2 while keeping every distance well
	// under the 2^(rangePower/2+2) ceiling.
	jumpBit := rangePower / 2
	if jumpBit < 4 {
		jumpBit = 4
	}
	if jumpBit > 128 {
		jumpBit = 128
	}
	maxJump := new(big.Int).Lsh(big.NewInt(1), uint(jumpBit))
	targetLog := float64(jumpBit) - 1

	jt := &JumpTable{dpSize: dpSize}
	for {
		sum := new(big.Int)
		for i := 0; i < NBJump; i++ {
			d := randBig(rng, maxJump)
			if d.Sign() == 0 {
				d.SetInt64(1)
			}
			jt.distBig[i] = d
			sum.Add(sum, d)
		}
		avg := new(big.Float).SetInt(sum)
		avg.Quo(avg, big.NewFloat(NBJump))
		f, _ := avg.Float64()
		jt.avgLog2 = math.Log2(f)
		// Redraw until the empirical mean sits near the target, as the
		// reference does; usually one or two rounds.
		if math.Abs(jt.avgLog2-targetLog) <= 0.5 {
			break
		}
	}

	for i := 0; i < NBJump; i++ {
		jt.dist[i] = curve.BigToScalar(jt.distBig[i])
		p := curve.ScalarBaseMult(&jt.dist[i])
		jt.px[i].Set(&p.X)
		jt.py[i].Set(&p.Y)
	}
	return jt
}

// AvgLog2 returns log2 of the mean jump distance.
func (jt *JumpTable) AvgLog2() float64 { return jt.avgLog2 }

// slot selects a jump from the x coordinate's low bits, shifted past the
// DP mask so distinguished points do not correlate with one slot.
func (jt *JumpTable) slot(xLo, xHi uint64) int {
	v := xLo
	if jt.dpSize > 0 {
		v = xLo>>jt.dpSize | xHi<<(64-jt.dpSize)
	}
	return int(v & (NBJump - 1))
}
