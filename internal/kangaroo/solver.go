// Package kangaroo implements the parallelized Pollard kangaroo search:
// jump tables, tame/wild herds advanced with batched field inversions,
// distinguished-point collection, collision resolution, work-file
// checkpoints and the shard-parallel merge engine.
package kangaroo

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

// Kangaroo types. Kangaroos are created in alternating pairs, so the
// parity of a walker's index inside its herd fixes its type; serialized
// walker state relies on this to survive a save/load cycle.
const (
	TAME = 0
	WILD = 1
)

// Params configures a search run.
type Params struct {
	RangeStart *big.Int
	RangeEnd   *big.Int
	Key        curve.Point

	DPSize      int32 // -1 selects automatically from the range width
	NbCPUThread int
	GrpSize     int // kangaroos per herd, even; 0 selects the default
	UseSymmetry bool

	WorkFile      string
	InputFile     string
	SavePeriod    time.Duration
	SaveKangaroo  bool
	SplitWorkfile bool
	WTimeout      time.Duration
	OutputFile    string
}

// DefaultGrpSize amortizes one field inversion over this many point
// additions per herd iteration.
const DefaultGrpSize = 1024

// Solver owns the search state shared between walker threads: the DP
// table, the one-shot endOfSearch flag, the save gate and the counters,
// threaded through workers rather than living as process globals.
type Solver struct {
	p     Params
	table *dptable.Table
	jumps *JumpTable

	rangeWidth *big.Int
	rangePower int
	rangeMid   *big.Int // (A+B)/2
	wildOff    curve.Point
	keyNeg     curve.Point

	dpSize uint32
	dMask  uint64

	endOfSearch         atomic.Bool
	saveRequest         atomic.Bool
	collisionInSameHerd atomic.Int64
	totalCount          atomic.Uint64
	nbKangaroo          atomic.Uint64
	running             atomic.Bool

	// Carried over from a loaded work file.
	offsetCount uint64
	offsetTime  float64
	startTime   time.Time

	resultMu sync.Mutex
	privKey  *big.Int

	saveMu  sync.Mutex
	workers []*worker

	loadedWalks []WalkState

	// DPHandler, when set, routes emitted DPs to the caller (client mode)
	// instead of the local table.
	DPHandler func(kIdx uint32, h uint32, x dptable.X128, d dptable.D128)

	// Optional observers wired by the caller (journal, websocket hub).
	OnSolved     func(models.SolveResult)
	OnCheckpoint func(models.CheckpointInfo)
}

type worker struct {
	id        int
	herd      *Herd
	isWaiting atomic.Bool
}

// NewSolver validates the range and key and prepares the search state.
func NewSolver(p Params) (*Solver, error) {
	if p.RangeStart == nil || p.RangeEnd == nil || p.RangeStart.Cmp(p.RangeEnd) >= 0 {
		return nil, fmt.Errorf("invalid range: start must be below end")
	}
	if !p.Key.OnCurve() {
		return nil, fmt.Errorf("key does not lie on elliptic curve")
	}
	if p.GrpSize == 0 {
		p.GrpSize = DefaultGrpSize
	}
	if p.GrpSize%2 != 0 {
		return nil, fmt.Errorf("group size must be even (tame/wild pairs)")
	}
	if p.NbCPUThread <= 0 {
		p.NbCPUThread = runtime.NumCPU()
	}
	if p.WTimeout == 0 {
		p.WTimeout = 3 * time.Second
	}

	s := &Solver{p: p, table: dptable.NewTable()}
	s.initRange()
	return s, nil
}

// Table exposes the canonical DP table (server and merge use).
func (s *Solver) Table() *dptable.Table { return s.table }

// Key returns the searched public key.
func (s *Solver) Key() curve.Point { return s.p.Key }

// DPSize returns the active distinguished-point size.
func (s *Solver) DPSize() uint32 { return s.dpSize }

// Range returns the configured interval bounds.
func (s *Solver) Range() (*big.Int, *big.Int) {
	return new(big.Int).Set(s.p.RangeStart), new(big.Int).Set(s.p.RangeEnd)
}

// SetDP fixes the distinguished-point size outside Run; the server and
// merge paths configure their table context this way.
func (s *Solver) SetDP(init int32, totalRW uint64) { s.setDP(init, totalRW) }

// EndOfSearch reports whether the search has concluded.
func (s *Solver) EndOfSearch() bool { return s.endOfSearch.Load() }

// Stop requests a cooperative shutdown. Walkers finish their current
// batch and exit.
func (s *Solver) Stop() { s.endOfSearch.Store(true) }

// PrivKey returns the recovered key, or nil while the search runs.
func (s *Solver) PrivKey() *big.Int {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	if s.privKey == nil {
		return nil
	}
	return new(big.Int).Set(s.privKey)
}

// TotalCount returns group operations performed, including the loaded
// offset.
func (s *Solver) TotalCount() uint64 {
	return s.offsetCount + s.totalCount.Load()
}

// TotalTime returns accumulated wallclock seconds, including the loaded
// offset.
func (s *Solver) TotalTime() float64 {
	if s.startTime.IsZero() {
		return s.offsetTime
	}
	return s.offsetTime + time.Since(s.startTime).Seconds()
}

// Progress snapshots the run for the status API and websocket hub.
func (s *Solver) Progress() models.Progress {
	tt := s.TotalTime()
	var rate float64
	if tt > 0 {
		rate = float64(s.TotalCount()) / tt
	}
	expOps, _, _ := s.computeExpected()
	var dpCount uint64
	if s.table != nil {
		dpCount = s.table.NbItem()
	}
	return models.Progress{
		IsRunning:     s.running.Load(),
		TotalCount:    s.TotalCount(),
		TotalTime:     tt,
		OpsPerSecond:  rate,
		DPCount:       dpCount,
		DeadKangaroos: s.collisionInSameHerd.Load(),
		Kangaroos:     s.nbKangaroo.Load(),
		ExpectedOps:   expOps,
		DPSize:        s.dpSize,
	}
}

// Run executes the search with nbCPUThread walker threads and blocks
// until the key is found or Stop is called. Returns the recovered key.
func (s *Solver) Run() (*big.Int, error) {
	totalRW := uint64(s.p.NbCPUThread) * uint64(s.p.GrpSize)
	s.setDP(s.p.DPSize, totalRW)

	if s.p.InputFile != "" {
		if err := s.LoadWork(s.p.InputFile); err != nil {
			return nil, err
		}
	}

	s.jumps = NewJumpTable(s.rangePower, s.dpSize, s.p.Key.XBytes(), s.rangeWidth)
	s.reportExpected(totalRW)

	s.startTime = time.Now()
	s.running.Store(true)
	defer s.running.Store(false)

	var wg sync.WaitGroup
	s.workers = make([]*worker, s.p.NbCPUThread)
	for i := 0; i < s.p.NbCPUThread; i++ {
		w := &worker{id: i}
		w.herd = s.createHerd(i)
		s.workers[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runWorker(w)
		}()
	}

	stopProgress := make(chan struct{})
	go s.progressLoop(stopProgress)

	var stopSave chan struct{}
	if s.p.WorkFile != "" && s.p.SavePeriod > 0 {
		stopSave = make(chan struct{})
		go s.saveLoop(stopSave)
	}

	wg.Wait()
	close(stopProgress)
	if stopSave != nil {
		close(stopSave)
	}

	if s.p.WorkFile != "" {
		// Final checkpoint so an interrupted or solved search leaves a
		// coherent artifact behind.
		s.SaveWork()
	}

	pk := s.PrivKey()
	if pk != nil {
		s.reportSolved(pk)
	}
	return pk, nil
}

// runWorker advances one herd until the search ends, parking between
// batches while a save is in flight.
func (s *Solver) runWorker(w *worker) {
	for !s.endOfSearch.Load() {
		if s.saveRequest.Load() {
			w.isWaiting.Store(true)
			for s.saveRequest.Load() && !s.endOfSearch.Load() {
				time.Sleep(50 * time.Millisecond)
			}
			w.isWaiting.Store(false)
			continue
		}
		s.stepHerd(w.herd)
		s.totalCount.Add(uint64(w.herd.n))
	}
}

func (s *Solver) allWaiting() bool {
	for _, w := range s.workers {
		if !w.isWaiting.Load() {
			return false
		}
	}
	return true
}

func (s *Solver) saveLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.p.SavePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SaveWork()
		}
	}
}

func (s *Solver) progressLoop(stop chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastCount uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			count := s.TotalCount()
			rate := float64(count-lastCount) / 2.0
			lastCount = count
			var dps uint64
			if s.table != nil {
				dps = s.table.NbItem()
			}
			log.Printf("[Solver] %.2f MK/s | 2^%.2f ops | %d DP | dead %d",
				rate/1e6, log2u64(count), dps, s.collisionInSameHerd.Load())
		}
	}
}

// setFound records the solved key once; later callers lose the race and
// simply observe endOfSearch.
func (s *Solver) setFound(k *big.Int) {
	s.resultMu.Lock()
	if s.privKey == nil {
		s.privKey = new(big.Int).Set(k)
	}
	s.resultMu.Unlock()
	s.endOfSearch.Store(true)
}

func (s *Solver) reportSolved(pk *big.Int) {
	res := models.SolveResult{
		PrivKey:    fmt.Sprintf("%064x", pk),
		PubKey:     s.p.Key.CompressedHex(),
		RangeStart: s.p.RangeStart.Text(16),
		RangeEnd:   s.p.RangeEnd.Text(16),
		TotalCount: s.TotalCount(),
		TotalTime:  s.TotalTime(),
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	log.Printf("[Solver] Priv: 0x%064X", pk)
	if s.p.OutputFile != "" {
		f, err := os.OpenFile(s.p.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[Solver] Cannot open %s for writing: %v", s.p.OutputFile, err)
		} else {
			fmt.Fprintf(f, "Pub : 0x%s\nPriv: 0x%064X\n", res.PubKey, pk)
			f.Close()
		}
	}
	if s.OnSolved != nil {
		s.OnSolved(res)
	}
}
