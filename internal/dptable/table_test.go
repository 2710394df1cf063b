package dptable

import (
	"bufio"
	"bytes"
	"math/rand"
	"testing"
)

func TestAddKeepsShardSorted(t *testing.T) {
	tbl := NewTable()
	rng := rand.New(rand.NewSource(42))

	const h = uint32(7)
	for i := 0; i < 500; i++ {
		e := Entry{
			X: X128{rng.Uint64(), rng.Uint64()},
			D: D128{rng.Uint64(), rng.Uint64() & magMask},
		}
		tbl.Add(h, e)
	}

	items := tbl.Shard(h)
	for i := 1; i < len(items); i++ {
		if CmpX(items[i-1].X, items[i].X) >= 0 {
			t.Fatalf("shard not strictly sorted at index %d", i)
		}
	}
	if tbl.NbItem() != uint64(len(items)) {
		t.Errorf("NbItem = %d, want %d", tbl.NbItem(), len(items))
	}
}

func TestAddOutcomes(t *testing.T) {
	tbl := NewTable()
	x := X128{100, 200}
	d1 := D128{1, 0}
	d2 := D128{2, 0}

	if st, _ := tbl.Add(3, Entry{X: x, D: d1}); st != AddOK {
		t.Fatalf("first insert: got %v, want AddOK", st)
	}
	if st, _ := tbl.Add(3, Entry{X: x, D: d1}); st != AddDuplicate {
		t.Fatalf("identical insert: got %v, want AddDuplicate", st)
	}
	st, existing := tbl.Add(3, Entry{X: x, D: d2})
	if st != AddCollision {
		t.Fatalf("colliding insert: got %v, want AddCollision", st)
	}
	if existing.D != d1 {
		t.Errorf("collision returned D %v, want first witness %v", existing.D, d1)
	}
	// The table keeps the first witness only.
	if tbl.NbItem() != 1 {
		t.Errorf("NbItem = %d after duplicate+collision, want 1", tbl.NbItem())
	}
}

func TestPackD(t *testing.T) {
	var mag [32]byte
	mag[31] = 0x2a

	d, err := PackD(mag, true, true)
	if err != nil {
		t.Fatalf("PackD error: %v", err)
	}
	if !d.Negative() || !d.Wild() {
		t.Errorf("flags lost: negative=%v wild=%v", d.Negative(), d.Wild())
	}
	if got := d.Magnitude(); got != mag {
		t.Errorf("magnitude round trip failed: %x", got)
	}

	// 127-bit magnitude must be rejected.
	var big [32]byte
	big[16] = 0x40
	if _, err := PackD(big, false, false); err == nil {
		t.Errorf("expected error for 127-bit magnitude")
	}
}

func TestShardExcludesDPMask(t *testing.T) {
	var x [32]byte
	// Low 8 bits zero (a DP at dpSize=8), bits above set.
	x[31] = 0x00
	x[30] = 0xab
	x[29] = 0xcd

	h := Shard(x, 8)
	if h == 0 {
		t.Fatalf("shard index collapsed to 0: DP mask bits not excluded")
	}
	if h != uint32(0xcdab&hashMask) {
		t.Errorf("Shard = %#x, want %#x", h, 0xcdab&hashMask)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tbl := NewTable()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		h := uint32(rng.Intn(HashSize))
		tbl.Add(h, Entry{
			X: X128{rng.Uint64(), rng.Uint64()},
			D: D128{rng.Uint64(), rng.Uint64() & magMask},
		})
	}

	var buf bytes.Buffer
	if err := tbl.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	loaded := NewTable()
	if err := loaded.LoadAll(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if !tbl.Equal(loaded) {
		t.Errorf("loaded table differs from saved table")
	}

	n, err := CountItems(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	if n != tbl.NbItem() {
		t.Errorf("CountItems = %d, want %d", n, tbl.NbItem())
	}
}

func TestChunkedLoadWithSkip(t *testing.T) {
	tbl := NewTable()
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 1000; i++ {
		h := uint32(rng.Intn(HashSize))
		tbl.Add(h, Entry{X: X128{rng.Uint64(), rng.Uint64()}, D: D128{rng.Uint64(), 0}})
	}
	var buf bytes.Buffer
	if err := tbl.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	// Load only the upper half of the shard space, skipping the lower.
	const mid = HashSize / 2
	br := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	if err := SkipShards(br, mid); err != nil {
		t.Fatalf("SkipShards: %v", err)
	}
	half := NewTable()
	if err := half.Load(br, mid, HashSize); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var want uint64
	for h := uint32(mid); h < HashSize; h++ {
		want += uint64(len(tbl.Shard(h)))
		a, b := tbl.Shard(h), half.Shard(h)
		if len(a) != len(b) {
			t.Fatalf("shard %d: loaded %d records, want %d", h, len(b), len(a))
		}
	}
	if half.NbItem() != want {
		t.Errorf("NbItem = %d, want %d", half.NbItem(), want)
	}
}

func TestExportTextCensus(t *testing.T) {
	tbl := NewTable()
	var magT, magW [32]byte
	magT[31] = 5
	magW[31] = 9
	dt, _ := PackD(magT, false, false)
	dw, _ := PackD(magW, true, true)
	tbl.Add(1, Entry{X: X128{10, 0}, D: dt})
	tbl.Add(2, Entry{X: X128{20, 0}, D: dw})

	var body, tame, wild bytes.Buffer
	if err := tbl.SaveAll(&body); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	nt, nw, err := ExportText(bytes.NewReader(body.Bytes()), &tame, &wild)
	if err != nil {
		t.Fatalf("ExportText: %v", err)
	}
	if nt != 1 || nw != 1 {
		t.Fatalf("census = (%d,%d), want (1,1)", nt, nw)
	}
	if !bytes.Contains(wild.Bytes(), []byte("-")) {
		t.Errorf("negative wild distance lost its sign in export")
	}
}
