package kangaroo

import (
	"errors"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// fillTable seeds a solver's table with pseudo-random DP records whose
// low dpSize bits of x are zero, as the walker guarantees.
func fillTable(t *testing.T, s *Solver, seed int64, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		var x [32]byte
		for j := 16; j < 32; j++ {
			x[j] = byte(rng.Intn(256))
		}
		x[31] &^= byte(s.dMask) // DP invariant

		d := big.NewInt(rng.Int63())
		ds := curve.BigToScalar(d)
		d128, err := packDistance(&ds, i%2 == WILD)
		if err != nil {
			t.Fatalf("packDistance: %v", err)
		}
		s.table.Add(dptable.Shard(x, s.dpSize), dptable.Entry{X: dptable.PackX(x), D: d128})
	}
}

func newTestSolver(t *testing.T) *Solver {
	t.Helper()
	p, _ := toyParams(t, false)
	s, err := NewSolver(p)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	s.SetDP(p.DPSize, uint64(p.NbCPUThread*p.GrpSize))
	return s
}

func TestSaveLoadWorkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.work")

	s := newTestSolver(t)
	s.p.WorkFile = file
	fillTable(t, s, 7, 300)
	s.offsetCount = 123456
	s.offsetTime = 42.5
	s.SaveWork()

	p, _ := toyParams(t, false)
	p.DPSize = -1 // must be restored from the file
	s2, err := NewSolver(p)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	s2.p.DPSize = -1
	if err := s2.LoadWork(file); err != nil {
		t.Fatalf("LoadWork: %v", err)
	}

	if !s.table.Equal(s2.table) {
		t.Errorf("loaded table differs from saved table")
	}
	if s2.dpSize != s.dpSize {
		t.Errorf("dpSize = %d, want %d", s2.dpSize, s.dpSize)
	}
	if s2.offsetCount != 123456 {
		t.Errorf("totalCount = %d, want 123456", s2.offsetCount)
	}
	if s2.offsetTime != 42.5 {
		t.Errorf("totalTime = %v, want 42.5", s2.offsetTime)
	}
	if s2.p.RangeStart.Cmp(s.p.RangeStart) != 0 || s2.p.RangeEnd.Cmp(s.p.RangeEnd) != 0 {
		t.Errorf("range not restored")
	}
	if !s2.p.Key.Equals(&s.p.Key) {
		t.Errorf("key not restored")
	}
}

func TestLoadRejectsWrongMagic(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kang.work")

	// Write a kangaroo-only file.
	s := newTestSolver(t)
	if err := s.writeWorkFile(file, MagicKangaroo); err != nil {
		t.Fatalf("writeWorkFile: %v", err)
	}

	// Loading it as a full work file must fail with a format error and
	// leave the table untouched.
	s2 := newTestSolver(t)
	err := s2.LoadWork(file)
	if err == nil {
		t.Fatalf("HEADK file accepted as HEADW")
	}
	if !errors.Is(err, ErrFormat) {
		t.Errorf("error = %v, want ErrFormat", err)
	}
	if s2.table.NbItem() != 0 {
		t.Errorf("table mutated by failed load: %d items", s2.table.NbItem())
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "garbage")
	if err := os.WriteFile(file, []byte("not a work file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	s := newTestSolver(t)
	if err := s.LoadWork(file); !errors.Is(err, ErrFormat) {
		t.Errorf("error = %v, want ErrFormat", err)
	}
}

func TestSaveKangarooTailRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "walks.work")

	s := newTestSolver(t)
	s.p.WorkFile = file
	s.p.SaveKangaroo = true
	s.jumps = NewJumpTable(s.rangePower, s.dpSize, s.p.Key.XBytes(), s.rangeWidth)
	h := s.createHerd(0)
	// Walk a few steps so the saved state differs from a fresh seed.
	for i := 0; i < 5; i++ {
		s.stepHerd(h)
	}
	s.workers = []*worker{{id: 0, herd: h}}
	s.SaveWork()

	p, _ := toyParams(t, false)
	s2, err := NewSolver(p)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s2.LoadWork(file); err != nil {
		t.Fatalf("LoadWork: %v", err)
	}
	if len(s2.loadedWalks) != h.n {
		t.Fatalf("loaded %d walkers, want %d", len(s2.loadedWalks), h.n)
	}

	// The restored herd must reproduce the saved positions exactly.
	h2 := s2.createHerd(0)
	for i := 0; i < h.n; i++ {
		if h.xb[i] != h2.xb[i] {
			t.Fatalf("walker %d position changed across save/load", i)
		}
	}
}

func TestWorkInfoAndExport(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "info.work")

	s := newTestSolver(t)
	s.p.WorkFile = file
	fillTable(t, s, 11, 64)
	s.SaveWork()

	if err := WorkInfo(file); err != nil {
		t.Errorf("WorkInfo: %v", err)
	}

	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	os.Chdir(dir)
	if err := WorkExport(file); err != nil {
		t.Fatalf("WorkExport: %v", err)
	}
	for _, name := range []string{"tame.txt", "wild.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}
