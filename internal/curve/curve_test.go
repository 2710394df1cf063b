package curve

import (
	"math/big"
	"testing"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const generatorHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func scalarFromInt(t *testing.T, v int64) secp.ModNScalar {
	t.Helper()
	return BigToScalar(big.NewInt(v))
}

func TestParsePubKeyGenerator(t *testing.T) {
	g, err := ParsePubKey(generatorHex)
	if err != nil {
		t.Fatalf("ParsePubKey(G) error: %v", err)
	}
	one := scalarFromInt(t, 1)
	gm := ScalarBaseMult(&one)
	if !g.Equals(&gm) {
		t.Errorf("parsed generator does not match 1*G")
	}
	if !g.OnCurve() {
		t.Errorf("generator reported off curve")
	}
	if g.CompressedHex() != generatorHex {
		t.Errorf("compressed round trip = %s, want %s", g.CompressedHex(), generatorHex)
	}
}

func TestNegOnCurve(t *testing.T) {
	k := scalarFromInt(t, 0x1337)
	p := ScalarBaseMult(&k)
	n := p.Neg()
	if !n.OnCurve() {
		t.Fatalf("negated point off curve")
	}
	// Negating k*G must give the same point as multiplying G by -k.
	var negK secp.ModNScalar
	negK.Set(&k)
	negK.Negate()
	q := ScalarBaseMult(&negK)
	if !n.Equals(&q) {
		t.Errorf("-(k*G) != (-k)*G")
	}
}

func TestAddMatchesScalarSum(t *testing.T) {
	a := scalarFromInt(t, 41)
	b := scalarFromInt(t, 1001)
	pa := ScalarBaseMult(&a)
	pb := ScalarBaseMult(&b)
	sum := Add(&pa, &pb)

	c := scalarFromInt(t, 1042)
	pc := ScalarBaseMult(&c)
	if !sum.Equals(&pc) {
		t.Errorf("41*G + 1001*G != 1042*G")
	}
}

func TestBatchInvert(t *testing.T) {
	vals := make([]secp.FieldVal, 17)
	want := make([]secp.FieldVal, len(vals))
	for i := range vals {
		vals[i].SetInt(uint16(i + 3))
		vals[i].Normalize()
		want[i].Set(&vals[i])
		want[i].Inverse()
		want[i].Normalize()
	}
	if err := BatchInvert(vals); err != nil {
		t.Fatalf("BatchInvert error: %v", err)
	}
	for i := range vals {
		if !vals[i].Equals(&want[i]) {
			t.Errorf("element %d: batch inverse differs from direct inverse", i)
		}
	}
}

func TestBatchInvertZero(t *testing.T) {
	vals := make([]secp.FieldVal, 3)
	vals[0].SetInt(5)
	vals[2].SetInt(9)
	// vals[1] left zero
	if err := BatchInvert(vals); err != ErrZeroDenominator {
		t.Fatalf("expected ErrZeroDenominator, got %v", err)
	}
}

func TestAddStepMatchesJacobianAdd(t *testing.T) {
	a := scalarFromInt(t, 7)
	b := scalarFromInt(t, 9000)
	pa := ScalarBaseMult(&a)
	pb := ScalarBaseMult(&b)

	var dx secp.FieldVal
	dx.NegateVal(&pa.X, 1).Add(&pb.X).Normalize()
	dx.Inverse()
	dx.Normalize()

	nx, ny := AddStep(&pa.X, &pa.Y, &pb.X, &pb.Y, &dx)
	want := Add(&pa, &pb)
	if !nx.Equals(&want.X) || !ny.Equals(&want.Y) {
		t.Errorf("AddStep result differs from Jacobian addition")
	}
}

func TestScalarBigRoundTrip(t *testing.T) {
	v, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364140", 16)
	s := BigToScalar(v)
	got := ScalarToBig(&s)
	if got.Cmp(v) != 0 {
		t.Errorf("round trip = %x, want %x", got, v)
	}
}
