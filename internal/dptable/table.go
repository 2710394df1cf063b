package dptable

import (
	"sort"
	"sync"
	"sync/atomic"
)

// AddStatus is the outcome of an insertion attempt.
type AddStatus int

const (
	// AddOK: the record was inserted.
	AddOK AddStatus = iota
	// AddDuplicate: an identical (x, d) record already exists. The walker
	// that produced it is walking a known path and must be reseeded.
	AddDuplicate
	// AddCollision: a record with the same x but a different d exists.
	// The existing record is kept; the pair goes to the collision solver.
	AddCollision
)

const lockStripes = 256

// Table is the sharded DP index. Insertions take a striped per-shard
// lock; cross-shard operations (Save, Load, Reset, Equal) require all
// writers parked, which the save coordinator enforces.
type Table struct {
	shards [HashSize][]Entry
	locks  [lockStripes]sync.Mutex
	nbItem atomic.Uint64
}

// NewTable returns an empty table. The shard array is fixed for the
// process lifetime; shard bodies grow on demand.
func NewTable() *Table {
	return &Table{}
}

func (t *Table) lockFor(h uint32) *sync.Mutex {
	return &t.locks[h%lockStripes]
}

// Add inserts e into shard h, keeping the shard sorted by x. On
// AddCollision the returned Entry is the existing record; the incoming
// one is not inserted.
func (t *Table) Add(h uint32, e Entry) (AddStatus, Entry) {
	mu := t.lockFor(h)
	mu.Lock()
	defer mu.Unlock()

	items := t.shards[h]
	i := sort.Search(len(items), func(i int) bool {
		return CmpX(items[i].X, e.X) >= 0
	})
	if i < len(items) && CmpX(items[i].X, e.X) == 0 {
		if items[i].D == e.D {
			return AddDuplicate, items[i]
		}
		return AddCollision, items[i]
	}

	if len(items) == cap(items) {
		// Geometric growth, 4/3 stepped by 4, keeps reallocation amortized
		// without the 2x slack of append for millions of small shards.
		grown := make([]Entry, len(items), cap(items)+cap(items)/3+4)
		copy(grown, items)
		items = grown
	}
	items = items[:len(items)+1]
	copy(items[i+1:], items[i:])
	items[i] = e
	t.shards[h] = items
	t.nbItem.Add(1)
	return AddOK, e
}

// NbItem returns the total record count.
func (t *Table) NbItem() uint64 {
	return t.nbItem.Load()
}

// Shard exposes a shard body for the merge engine and tests. Callers own
// the synchronization.
func (t *Table) Shard(h uint32) []Entry {
	return t.shards[h]
}

// Reset drops every shard body. Requires all writers parked.
func (t *Table) Reset() {
	for h := range t.shards {
		t.shards[h] = nil
	}
	t.nbItem.Store(0)
}

// Equal reports shard-by-shard equality of the sorted records.
func (t *Table) Equal(o *Table) bool {
	if t.nbItem.Load() != o.nbItem.Load() {
		return false
	}
	for h := range t.shards {
		a, b := t.shards[h], o.shards[h]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// Stats summarizes shard occupancy.
type Stats struct {
	Items    uint64
	MaxShard int
	Bytes    uint64
}

// ComputeStats walks every shard. Requires all writers parked.
func (t *Table) ComputeStats() Stats {
	var s Stats
	for h := range t.shards {
		n := len(t.shards[h])
		s.Items += uint64(n)
		if n > s.MaxShard {
			s.MaxShard = n
		}
		s.Bytes += uint64(cap(t.shards[h])) * 32
	}
	return s
}
