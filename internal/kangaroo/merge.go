package kangaroo

import (
	"bufio"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// mergeThreads is 2^floor(log2(cores)), so shard ranges divide evenly.
func mergeThreads() int {
	return 1 << int(math.Log2(float64(runtime.NumCPU())))
}

// newMergeSolver builds a solver seeded from a work-file header, enough
// context for collision resolution during merges.
func newMergeSolver(hdr *Header, dpSize uint32) (*Solver, error) {
	s, err := NewSolver(Params{
		RangeStart: hdr.RangeStart,
		RangeEnd:   hdr.RangeEnd,
		Key:        hdr.Key,
		DPSize:     int32(dpSize),
	})
	if err != nil {
		return nil, err
	}
	s.dpSize = dpSize
	s.dMask = (uint64(1) << dpSize) - 1
	return s, nil
}

// mergeRange inserts src's shards [hStart, hStop) into the canonical
// table with full add semantics; collisions run the solver and may end
// the search. Ranges are disjoint across workers.
func (s *Solver) mergeRange(src *dptable.Table, hStart, hStop uint32, wg *sync.WaitGroup) {
	defer wg.Done()
	for h := hStart; h < hStop && !s.endOfSearch.Load(); h++ {
		for _, e := range src.Shard(h) {
			status, existing := s.table.Add(h, e)
			switch status {
			case dptable.AddDuplicate:
				s.collisionInSameHerd.Add(1)
			case dptable.AddCollision:
				s.ResolveCollision(existing, e)
			}
			if s.endOfSearch.Load() {
				return
			}
		}
	}
}

func headersCompatible(a, b *Header) error {
	if a.Version != b.Version {
		return fmt.Errorf("cannot merge work files of different versions (%d vs %d)", a.Version, b.Version)
	}
	if a.RangeStart.Cmp(b.RangeStart) != 0 || a.RangeEnd.Cmp(b.RangeEnd) != 0 {
		return fmt.Errorf("file range differs")
	}
	if !a.Key.Equals(&b.Key) {
		return fmt.Errorf("key differs, multiple keys not supported")
	}
	return nil
}

// MergeWork merges file2 into file1's table and writes the union to
// dest, streaming HashSize/64 shards per block to bound RAM. Returns
// found=true when a cross-file collision yields the key; the partial
// output is then discarded.
func MergeWork(file1, file2, dest string) (bool, error) {
	t0 := time.Now()

	f1, err := os.Open(file1)
	if err != nil {
		return false, fmt.Errorf("MergeWork: cannot open %s: %v", file1, err)
	}
	defer f1.Close()
	br1 := bufio.NewReaderSize(f1, 1<<20)
	h1, err := ReadHeader(br1, MagicWork, file1)
	if err != nil {
		return false, err
	}

	f2, err := os.Open(file2)
	if err != nil {
		return false, fmt.Errorf("MergeWork: cannot open %s: %v", file2, err)
	}
	defer f2.Close()
	br2 := bufio.NewReaderSize(f2, 1<<20)
	h2, err := ReadHeader(br2, MagicWork, file2)
	if err != nil {
		return false, err
	}

	if err := headersCompatible(h1, h2); err != nil {
		return false, fmt.Errorf("MergeWork: %v", err)
	}

	dpSize := h1.DPSize
	if h2.DPSize < dpSize {
		dpSize = h2.DPSize
	}
	s, err := newMergeSolver(h1, dpSize)
	if err != nil {
		return false, fmt.Errorf("MergeWork: %v", err)
	}

	tmpName := dest + ".tmp"
	out, err := os.Create(tmpName)
	if err != nil {
		return false, fmt.Errorf("MergeWork: cannot open %s for writing: %v", tmpName, err)
	}
	bw := bufio.NewWriterSize(out, 1<<20)

	outHdr := &Header{
		Version:    h1.Version,
		DPSize:     dpSize,
		RangeStart: h1.RangeStart,
		RangeEnd:   h1.RangeEnd,
		Key:        h1.Key,
		TotalCount: h1.TotalCount + h2.TotalCount,
		TotalTime:  h1.TotalTime + h2.TotalTime,
	}
	if err := WriteHeader(bw, MagicWork, outHdr); err != nil {
		out.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("MergeWork: cannot write header: %v", err)
	}

	nbThread := mergeThreads()
	log.Printf("[Merge] %s + %s -> %s [%d threads]", file1, file2, dest, nbThread)

	t2 := dptable.NewTable()
	// One block of shards at a time divides peak RAM by 64.
	block := uint32(dptable.HashSize / 64)

	for st := uint32(0); st < dptable.HashSize && !s.endOfSearch.Load(); st += block {
		if err := s.table.Load(br1, st, st+block); err != nil {
			out.Close()
			os.Remove(tmpName)
			return false, fmt.Errorf("MergeWork: %s: %v", file1, err)
		}
		if err := t2.Load(br2, st, st+block); err != nil {
			out.Close()
			os.Remove(tmpName)
			return false, fmt.Errorf("MergeWork: %s: %v", file2, err)
		}

		stride := block / uint32(nbThread)
		var wg sync.WaitGroup
		for i := 0; i < nbThread; i++ {
			wg.Add(1)
			go s.mergeRange(t2, st+uint32(i)*stride, st+uint32(i+1)*stride, &wg)
		}
		wg.Wait()

		if err := s.table.Save(bw, st, st+block); err != nil {
			out.Close()
			os.Remove(tmpName)
			return false, fmt.Errorf("MergeWork: writing %s: %v", tmpName, err)
		}
		s.table.Reset()
		t2.Reset()
	}

	if s.endOfSearch.Load() {
		out.Close()
		os.Remove(tmpName)
		if pk := s.PrivKey(); pk != nil {
			s.reportSolved(pk)
		}
		return true, nil
	}

	// Empty kangaroo tail: merged files carry no walker state.
	if err := writeU64(bw, 0); err != nil {
		out.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("MergeWork: writing %s: %v", tmpName, err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("MergeWork: writing %s: %v", tmpName, err)
	}
	out.Close()

	os.Remove(dest)
	if err := os.Rename(tmpName, dest); err != nil {
		return false, fmt.Errorf("MergeWork: renaming %s: %v", tmpName, err)
	}

	log.Printf("[Merge] Done [%s]", time.Since(t0).Round(time.Millisecond))
	log.Printf("[Merge] Dead kangaroo: %d", s.collisionInSameHerd.Load())
	log.Printf("[Merge] Total f1+f2: count 2^%.2f", log2u64(outHdr.TotalCount))
	return false, nil
}

// MergeDir merges every work file in dirname into dest, largest file
// first so the biggest table absorbs the rest. Incompatible or broken
// files are skipped with a warning, never aborting the batch.
func MergeDir(dirname, dest string) (bool, error) {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return false, fmt.Errorf("MergeDir: cannot read %s: %v", dirname, err)
	}

	type workFile struct {
		path string
		size int64
	}
	var files []workFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, workFile{filepath.Join(dirname, e.Name()), info.Size()})
	}
	if len(files) == 0 {
		return false, fmt.Errorf("MergeDir: no regular files in %s", dirname)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].size > files[j].size })

	log.Printf("[Merge] Loading directory: %s (%d files)", dirname, len(files))

	var s *Solver
	var base *Header
	var totalCount uint64
	var totalTime float64
	dpSize := uint32(0)
	numMerged := 0
	nbThread := mergeThreads()
	stride := uint32(dptable.HashSize / nbThread)
	t2 := dptable.NewTable()

	for _, wf := range files {
		log.Printf("[Merge] Loading file: %s (%d MB)", wf.path, wf.size/1024/1024)
		t0 := time.Now()

		f, err := os.Open(wf.path)
		if err != nil {
			log.Printf("[Merge] Skipping %s: %v", wf.path, err)
			continue
		}
		br := bufio.NewReaderSize(f, 1<<20)
		hdr, err := ReadHeader(br, MagicWork, wf.path)
		if err != nil {
			log.Printf("[Merge] Skipping %s: %v", wf.path, err)
			f.Close()
			continue
		}

		if base == nil {
			s, err = newMergeSolver(hdr, hdr.DPSize)
			if err != nil {
				log.Printf("[Merge] Skipping %s: %v", wf.path, err)
				f.Close()
				continue
			}
			if err := s.table.LoadAll(br); err != nil {
				log.Printf("[Merge] Skipping %s: %v", wf.path, err)
				f.Close()
				s = nil
				continue
			}
			f.Close()
			base = hdr
			dpSize = hdr.DPSize
			totalCount = hdr.TotalCount
			totalTime = hdr.TotalTime
			numMerged++
			log.Printf("[Merge] [HashTable1 2^%.2f DPs] [%s]",
				log2u64(s.table.NbItem()), time.Since(t0).Round(time.Millisecond))
			continue
		}

		if err := headersCompatible(base, hdr); err != nil {
			log.Printf("[Merge] Skipping %s: %v", wf.path, err)
			f.Close()
			continue
		}
		if err := t2.LoadAll(br); err != nil {
			log.Printf("[Merge] Skipping %s: %v", wf.path, err)
			f.Close()
			t2.Reset()
			continue
		}
		f.Close()

		var wg sync.WaitGroup
		for i := 0; i < nbThread; i++ {
			wg.Add(1)
			go s.mergeRange(t2, uint32(i)*stride, uint32(i+1)*stride, &wg)
		}
		wg.Wait()
		t2.Reset()

		if s.endOfSearch.Load() {
			if pk := s.PrivKey(); pk != nil {
				s.reportSolved(pk)
			}
			return true, nil
		}

		if hdr.DPSize < dpSize {
			dpSize = hdr.DPSize
		}
		totalCount += hdr.TotalCount
		totalTime += hdr.TotalTime
		numMerged++
		log.Printf("[Merge] Done [%s], dead kangaroo: %d, total count 2^%.2f",
			time.Since(t0).Round(time.Millisecond), s.collisionInSameHerd.Load(), log2u64(totalCount))
	}

	if numMerged < 2 || s == nil {
		return false, fmt.Errorf("MergeDir: fewer than two mergeable files in %s", dirname)
	}

	s.p.WorkFile = dest
	s.dpSize = dpSize
	s.offsetCount = totalCount
	s.offsetTime = totalTime
	s.SaveWork()
	return false, nil
}
