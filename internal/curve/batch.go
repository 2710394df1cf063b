package curve

import (
	"errors"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrZeroDenominator is returned when a batch contains a zero field
// element. The walker screens zero denominators before calling
// BatchInvert and reseeds the offending kangaroo, so it does not
// receive this error in normal operation.
var ErrZeroDenominator = errors.New("batch inverse: zero denominator")

// BatchInvert replaces every element of vals with its multiplicative
// inverse, spending a single field inversion for the whole batch
// (Montgomery trick). Inputs must be normalized; outputs are normalized.
func BatchInvert(vals []secp.FieldVal) error {
	n := len(vals)
	if n == 0 {
		return nil
	}
	for i := range vals {
		if vals[i].IsZero() {
			return ErrZeroDenominator
		}
	}

	// prefix[i] = vals[0] * ... * vals[i]
	prefix := make([]secp.FieldVal, n)
	prefix[0].Set(&vals[0])
	for i := 1; i < n; i++ {
		prefix[i].Mul2(&prefix[i-1], &vals[i])
		prefix[i].Normalize()
	}

	var acc secp.FieldVal
	acc.Set(&prefix[n-1])
	acc.Inverse()
	acc.Normalize()

	var tmp secp.FieldVal
	for i := n - 1; i > 0; i-- {
		tmp.Mul2(&acc, &prefix[i-1])
		tmp.Normalize()
		acc.Mul(&vals[i])
		acc.Normalize()
		vals[i].Set(&tmp)
	}
	vals[0].Set(&acc)
	return nil
}

// AddStep completes the affine addition P + Q given the precomputed
// inverse of (Qx - Px). P and Q must be distinct points with distinct x,
// which the walker guarantees by screening denominators first.
func AddStep(px, py, qx, qy, invDx *secp.FieldVal) (nx, ny secp.FieldVal) {
	// lambda = (Qy - Py) / (Qx - Px)
	var lam secp.FieldVal
	lam.NegateVal(py, 1).Add(qy).Normalize()
	lam.Mul(invDx)
	lam.Normalize()

	// nx = lambda^2 - Px - Qx
	var t secp.FieldVal
	nx.SquareVal(&lam)
	t.Set(px)
	t.Add(qx)
	t.Negate(2)
	nx.Add(&t)
	nx.Normalize()

	// ny = lambda*(Px - nx) - Py
	var u secp.FieldVal
	u.NegateVal(&nx, 1).Add(px).Normalize()
	u.Mul(&lam)
	u.Normalize()
	var negPy secp.FieldVal
	negPy.NegateVal(py, 1)
	ny.Set(&u)
	ny.Add(&negPy)
	ny.Normalize()
	return nx, ny
}
