// Package curve wraps the secp256k1 group operations the solver needs:
// affine points, scalar arithmetic mod the group order, batched modular
// inversion and public key parsing. All heavy lifting is delegated to
// btcec and the decred secp256k1 kernels.
package curve

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// N is the secp256k1 group order.
var N = new(big.Int).Set(btcec.S256().N)

// HalfN is N/2, the threshold separating "positive" from "negative"
// scalars under the signed interpretation mod N.
var HalfN = new(big.Int).Rsh(N, 1)

// Point is an affine secp256k1 point. The zero value is the point at
// infinity and is never a valid walker position.
type Point struct {
	X secp.FieldVal
	Y secp.FieldVal
}

// Set copies q into p.
func (p *Point) Set(q *Point) {
	p.X.Set(&q.X)
	p.Y.Set(&q.Y)
}

// Equals reports whether both coordinates match. Inputs must be
// normalized, which every constructor in this package guarantees.
func (p *Point) Equals(q *Point) bool {
	return p.X.Equals(&q.X) && p.Y.Equals(&q.Y)
}

// Neg returns (x, -y).
func (p *Point) Neg() Point {
	var r Point
	r.X.Set(&p.X)
	r.Y.NegateVal(&p.Y, 1).Normalize()
	return r
}

// OnCurve reports whether y^2 == x^3 + 7.
func (p *Point) OnCurve() bool {
	var left, right, seven secp.FieldVal
	left.SquareVal(&p.Y).Normalize()
	seven.SetInt(7)
	right.SquareVal(&p.X).Mul(&p.X).Add(&seven).Normalize()
	return left.Equals(&right)
}

// XBytes returns the big-endian x coordinate.
func (p *Point) XBytes() [32]byte {
	var b [32]byte
	x := new(secp.FieldVal).Set(&p.X)
	x.Normalize().PutBytes(&b)
	return b
}

// YBytes returns the big-endian y coordinate.
func (p *Point) YBytes() [32]byte {
	var b [32]byte
	y := new(secp.FieldVal).Set(&p.Y)
	y.Normalize().PutBytes(&b)
	return b
}

// XLow64 returns the low 64 bits of the x coordinate, the bit source for
// DP detection, jump selection and shard hashing.
func (p *Point) XLow64() uint64 {
	b := p.XBytes()
	var v uint64
	for i := 24; i < 32; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// NewPoint builds a normalized affine point from big-endian coordinates.
func NewPoint(xb, yb [32]byte) (Point, error) {
	var p Point
	if overflow := p.X.SetBytes(&xb); overflow != 0 {
		return Point{}, fmt.Errorf("x coordinate exceeds field prime")
	}
	if overflow := p.Y.SetBytes(&yb); overflow != 0 {
		return Point{}, fmt.Errorf("y coordinate exceeds field prime")
	}
	p.X.Normalize()
	p.Y.Normalize()
	return p, nil
}

// ParsePubKey decodes a compressed or uncompressed hex public key into an
// affine point. The underlying parser rejects points off the curve.
func ParsePubKey(keyHex string) (Point, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return Point{}, fmt.Errorf("invalid public key hex: %v", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return Point{}, fmt.Errorf("invalid public key: %v", err)
	}
	ser := pub.SerializeUncompressed()
	var xb, yb [32]byte
	copy(xb[:], ser[1:33])
	copy(yb[:], ser[33:65])
	return NewPoint(xb, yb)
}

// CompressedHex serializes the point in compressed form.
func (p *Point) CompressedHex() string {
	xb := p.XBytes()
	prefix := byte(0x02)
	y := new(secp.FieldVal).Set(&p.Y)
	if y.Normalize().IsOdd() {
		prefix = 0x03
	}
	out := make([]byte, 33)
	out[0] = prefix
	copy(out[1:], xb[:])
	return hex.EncodeToString(out)
}

// ScalarBaseMult returns k*G in affine form.
func ScalarBaseMult(k *secp.ModNScalar) Point {
	var j secp.JacobianPoint
	secp.ScalarBaseMultNonConst(k, &j)
	j.ToAffine()
	return Point{X: j.X, Y: j.Y}
}

// Add returns p + q using the complete Jacobian formulas (no shared-x
// restriction, unlike the walker's batched path).
func Add(p, q *Point) Point {
	var jp, jq, jr secp.JacobianPoint
	jp.X.Set(&p.X)
	jp.Y.Set(&p.Y)
	jp.Z.SetInt(1)
	jq.X.Set(&q.X)
	jq.Y.Set(&q.Y)
	jq.Z.SetInt(1)
	secp.AddNonConst(&jp, &jq, &jr)
	jr.ToAffine()
	return Point{X: jr.X, Y: jr.Y}
}

// BigToScalar reduces a non-negative big.Int mod N into a ModNScalar.
func BigToScalar(v *big.Int) secp.ModNScalar {
	var s secp.ModNScalar
	r := new(big.Int).Mod(v, N)
	var b [32]byte
	r.FillBytes(b[:])
	s.SetBytes(&b)
	return s
}

// ScalarToBig returns the canonical [0, N) representative.
func ScalarToBig(s *secp.ModNScalar) *big.Int {
	b := s.Bytes()
	return new(big.Int).SetBytes(b[:])
}
