package kangaroo

import (
	"math/big"
	"testing"
)

func TestJumpTableDeterministic(t *testing.T) {
	p, _ := toyParams(t, false)
	width := new(big.Int).Sub(p.RangeEnd, p.RangeStart)

	a := NewJumpTable(width.BitLen(), 4, p.Key.XBytes(), width)
	b := NewJumpTable(width.BitLen(), 4, p.Key.XBytes(), width)
	for i := 0; i < NBJump; i++ {
		if a.distBig[i].Cmp(b.distBig[i]) != 0 {
			t.Fatalf("jump %d differs between identically seeded tables", i)
		}
	}

	// A different key must yield a different table.
	var otherX [32]byte
	otherX[31] = 1
	c := NewJumpTable(width.BitLen(), 4, otherX, width)
	same := true
	for i := 0; i < NBJump; i++ {
		if a.distBig[i].Cmp(c.distBig[i]) != 0 {
			same = false
			break
		}
	}
	if same {
		t.Errorf("distinct keys produced identical jump tables")
	}
}

func TestJumpDistanceBounds(t *testing.T) {
	for _, power := range []int{12, 32, 64, 120} {
		width := new(big.Int).Lsh(big.NewInt(1), uint(power))
		var keyX [32]byte
		keyX[0] = byte(power)
		jt := NewJumpTable(power, 0, keyX, width)

		limit := power/2 + 2
		for i := 0; i < NBJump; i++ {
			if jt.distBig[i].Sign() <= 0 {
				t.Fatalf("power %d: jump %d not positive", power, i)
			}
			if jt.distBig[i].BitLen() > limit {
				t.Errorf("power %d: jump %d has %d bits, limit %d",
					power, i, jt.distBig[i].BitLen(), limit)
			}
		}
	}
}

func TestJumpSlotRange(t *testing.T) {
	p, _ := toyParams(t, false)
	width := new(big.Int).Sub(p.RangeEnd, p.RangeStart)
	jt := NewJumpTable(width.BitLen(), 4, p.Key.XBytes(), width)

	for _, x := range []struct{ lo, hi uint64 }{
		{0, 0}, {^uint64(0), ^uint64(0)}, {0x1230, 7}, {1 << 63, 1},
	} {
		s := jt.slot(x.lo, x.hi)
		if s < 0 || s >= NBJump {
			t.Fatalf("slot(%x,%x) = %d out of range", x.lo, x.hi, s)
		}
	}

	// Distinguished points (low dpSize bits zero) must not collapse to
	// one slot: the selector reads bits above the DP mask.
	if jt.slot(0x10, 0) == jt.slot(0x20, 0) && jt.slot(0x10, 0) == jt.slot(0x30, 0) {
		t.Errorf("DP-masked x values collapse to a single jump slot")
	}
}
