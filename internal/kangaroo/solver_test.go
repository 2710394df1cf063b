package kangaroo

import (
	"math/big"
	"testing"
	"time"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
)

// toyParams builds a search for a known key in a small interval:
// k = 0x1337 in [0x1000, 0x1fff].
func toyParams(t *testing.T, sym bool) (Params, *big.Int) {
	t.Helper()
	k := big.NewInt(0x1337)
	ks := curve.BigToScalar(k)
	key := curve.ScalarBaseMult(&ks)
	return Params{
		RangeStart:  big.NewInt(0x1000),
		RangeEnd:    big.NewInt(0x1fff),
		Key:         key,
		DPSize:      4,
		NbCPUThread: 2,
		GrpSize:     64,
		UseSymmetry: sym,
		WTimeout:    time.Second,
	}, k
}

func runToy(t *testing.T, sym bool) (*Solver, *big.Int, *big.Int) {
	t.Helper()
	p, want := toyParams(t, sym)
	s, err := NewSolver(p)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}

	// Safety valve: a broken walk would otherwise spin forever.
	timer := time.AfterFunc(60*time.Second, s.Stop)
	defer timer.Stop()

	got, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return s, got, want
}

func TestSolveToyKey(t *testing.T) {
	s, got, want := runToy(t, false)
	if got == nil {
		t.Fatalf("search ended without a key")
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("recovered key = %#x, want %#x", got, want)
	}

	// Verify the fundamental property independently of the solver path.
	ks := curve.BigToScalar(got)
	q := curve.ScalarBaseMult(&ks)
	if !q.Equals(&s.p.Key) {
		t.Errorf("k*G does not reproduce the searched key")
	}

	// Worst-case bound for a 2^12 interval: 100*sqrt(W) plus the
	// per-kangaroo DP overhead that dominates tiny intervals.
	width := new(big.Int).Sub(s.p.RangeEnd, s.p.RangeStart)
	bound := uint64(100) * uint64(new(big.Int).Sqrt(width).Uint64()+1)
	bound += uint64(s.p.NbCPUThread*s.p.GrpSize) << uint(s.dpSize)
	if s.TotalCount() > bound {
		t.Errorf("solved in %d ops, bound %d", s.TotalCount(), bound)
	}
}

func TestSolveToyKeySymmetry(t *testing.T) {
	_, got, want := runToy(t, true)
	if got == nil {
		t.Fatalf("symmetric search ended without a key")
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("recovered key = %#x, want %#x", got, want)
	}
}

func TestNewSolverRejectsBadInput(t *testing.T) {
	p, _ := toyParams(t, false)
	p.RangeStart, p.RangeEnd = p.RangeEnd, p.RangeStart
	if _, err := NewSolver(p); err == nil {
		t.Errorf("inverted range accepted")
	}

	p, _ = toyParams(t, false)
	p.GrpSize = 63
	if _, err := NewSolver(p); err == nil {
		t.Errorf("odd group size accepted")
	}

	p, _ = toyParams(t, false)
	p.Key = curve.Point{} // infinity, off curve
	if _, err := NewSolver(p); err == nil {
		t.Errorf("off-curve key accepted")
	}
}
