package kangaroo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/big"
	"os"
	"time"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

// Work file magics. HEADW carries the full table, HEADK only walker
// state (client checkpoints).
const (
	MagicWork     uint32 = 0xFA6A8001
	MagicKangaroo uint32 = 0xFA6A8002
	FileVersion   uint32 = 0
)

// ErrFormat marks magic/layout mismatches: fatal to the operation,
// recoverable for the program (directory merge skips the file).
var ErrFormat = errors.New("work file format error")

// Header is the fixed work-file preamble. Scalars are stored little-
// endian on disk for compatibility with existing artifacts; in memory
// they are big.Ints and big-endian byte arrays.
type Header struct {
	Version    uint32
	DPSize     uint32 // meaningful for HEADW only
	RangeStart *big.Int
	RangeEnd   *big.Int
	Key        curve.Point
	TotalCount uint64
	TotalTime  float64
}

// le32 converts a 32-byte big-endian value to the on-disk little-endian
// order (least significant byte first).
func le32(be [32]byte) [32]byte {
	var le [32]byte
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return le
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func read32(r io.Reader) ([32]byte, error) {
	var le [32]byte
	if _, err := io.ReadFull(r, le[:]); err != nil {
		return le, err
	}
	return le32(le), nil // symmetric reversal
}

// WriteHeader emits the fixed header for the given magic.
func WriteHeader(w io.Writer, magic uint32, h *Header) error {
	if err := writeU32(w, magic); err != nil {
		return err
	}
	if err := writeU32(w, h.Version); err != nil {
		return err
	}
	if magic == MagicWork {
		if err := writeU32(w, h.DPSize); err != nil {
			return err
		}
	}
	var rs, re [32]byte
	h.RangeStart.FillBytes(rs[:])
	h.RangeEnd.FillBytes(re[:])
	for _, b := range [][32]byte{le32(rs), le32(re), le32(h.Key.XBytes()), le32(h.Key.YBytes())} {
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	if err := writeU64(w, h.TotalCount); err != nil {
		return err
	}
	return writeU64(w, math.Float64bits(h.TotalTime))
}

// ReadHeader validates the magic and parses the fixed header. A magic
// mismatch names what the file actually is; nothing in memory is
// mutated on any error path, so a failed load leaves tables intact.
func ReadHeader(r io.Reader, wantMagic uint32, path string) (*Header, error) {
	var b4 [4]byte
	if _, err := io.ReadFull(r, b4[:]); err != nil {
		return nil, fmt.Errorf("ReadHeader: cannot read %s: %v", path, err)
	}
	magic := binary.LittleEndian.Uint32(b4[:])
	if magic != wantMagic {
		switch magic {
		case MagicKangaroo:
			return nil, fmt.Errorf("ReadHeader: %s is a kangaroo only file, work file expected: %w", path, ErrFormat)
		case MagicWork:
			return nil, fmt.Errorf("ReadHeader: %s is a work file, kangaroo only file expected: %w", path, ErrFormat)
		default:
			return nil, fmt.Errorf("ReadHeader: %s is not a work file: %w", path, ErrFormat)
		}
	}

	h := &Header{}
	if _, err := io.ReadFull(r, b4[:]); err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	h.Version = binary.LittleEndian.Uint32(b4[:])

	if magic == MagicWork {
		if _, err := io.ReadFull(r, b4[:]); err != nil {
			return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
		}
		h.DPSize = binary.LittleEndian.Uint32(b4[:])
	}

	rs, err := read32(r)
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	re, err := read32(r)
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	kx, err := read32(r)
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	ky, err := read32(r)
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	h.RangeStart = new(big.Int).SetBytes(rs[:])
	h.RangeEnd = new(big.Int).SetBytes(re[:])

	key, err := curve.NewPoint(kx, ky)
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: %s: %v", path, err)
	}
	if !key.OnCurve() {
		return nil, fmt.Errorf("ReadHeader: %s: key does not lie on elliptic curve", path)
	}
	h.Key = key

	var b8 [8]byte
	if _, err := io.ReadFull(r, b8[:]); err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	h.TotalCount = binary.LittleEndian.Uint64(b8[:])
	if _, err := io.ReadFull(r, b8[:]); err != nil {
		return nil, fmt.Errorf("ReadHeader: truncated %s: %v", path, err)
	}
	h.TotalTime = math.Float64frombits(binary.LittleEndian.Uint64(b8[:]))
	return h, nil
}

func timestampSuffix() string {
	return time.Now().Format("02Jan06_150405")
}

// SaveWork checkpoints the search: it parks every walker (bounded by
// WTimeout), writes header + table + optional kangaroo tail, then
// releases the herd. On park timeout the attempt is abandoned and the
// previous checkpoint stays authoritative.
func (s *Solver) SaveWork() {
	if s.p.WorkFile == "" {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	t0 := time.Now()
	s.saveRequest.Store(true)
	deadline := time.Now().Add(s.p.WTimeout)
	for !s.allWaiting() && time.Now().Before(deadline) {
		if s.endOfSearch.Load() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !s.allWaiting() && !s.endOfSearch.Load() {
		log.Printf("[Solver] SaveWork timeout, skipping this checkpoint")
		s.saveRequest.Store(false)
		return
	}
	defer s.saveRequest.Store(false)

	fileName := s.p.WorkFile
	if s.p.SplitWorkfile {
		fileName = s.p.WorkFile + "_" + timestampSuffix()
	}

	magic := MagicWork
	if s.DPHandler != nil {
		// Client mode: no local table, walker state only.
		magic = MagicKangaroo
	}

	if err := s.writeWorkFile(fileName, magic); err != nil {
		log.Printf("[Solver] SaveWork: %v", err)
		return
	}

	if s.p.SplitWorkfile && magic == MagicWork {
		s.table.Reset()
	}

	fi, _ := os.Stat(fileName)
	var size int64
	if fi != nil {
		size = fi.Size()
	}
	log.Printf("[Solver] SaveWork: %s done [%.1f MB] [%s]",
		fileName, float64(size)/(1024*1024), time.Since(t0).Round(time.Millisecond))

	if s.OnCheckpoint != nil {
		var dps uint64
		if s.table != nil {
			dps = s.table.NbItem()
		}
		s.OnCheckpoint(models.CheckpointInfo{
			File:       fileName,
			DPCount:    dps,
			TotalCount: s.TotalCount(),
			TotalTime:  s.TotalTime(),
			SizeBytes:  size,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
}

func (s *Solver) writeWorkFile(fileName string, magic uint32) error {
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("cannot open %s for writing: %v", fileName, err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	hdr := &Header{
		Version:    FileVersion,
		DPSize:     s.dpSize,
		RangeStart: s.p.RangeStart,
		RangeEnd:   s.p.RangeEnd,
		Key:        s.p.Key,
		TotalCount: s.TotalCount(),
		TotalTime:  s.TotalTime(),
	}
	if err := WriteHeader(bw, magic, hdr); err != nil {
		return fmt.Errorf("cannot write header to %s: %v", fileName, err)
	}
	if magic == MagicWork {
		if err := s.table.SaveAll(bw); err != nil {
			return fmt.Errorf("cannot write table to %s: %v", fileName, err)
		}
	}

	var walks []WalkState
	if s.p.SaveKangaroo {
		for _, w := range s.workers {
			walks = append(walks, w.herd.snapshot()...)
		}
	}
	if err := writeU64(bw, uint64(len(walks))); err != nil {
		return err
	}
	for _, st := range walks {
		for _, b := range [][32]byte{le32(st.PX), le32(st.PY), le32(st.D)} {
			if _, err := bw.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// LoadWork restores a checkpoint. In local mode the file must be HEADW
// and supplies dp size, range, key, table and optional walkers; in
// client mode it must be HEADK (the server owns the config and table).
func (s *Solver) LoadWork(fileName string) error {
	t0 := time.Now()
	log.Printf("[Solver] Loading: %s", fileName)

	f, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("LoadWork: cannot open %s: %v", fileName, err)
	}
	defer f.Close()
	br := bufio.NewReaderSize(f, 1<<20)

	clientMode := s.DPHandler != nil
	wantMagic := MagicWork
	if clientMode {
		wantMagic = MagicKangaroo
	}
	hdr, err := ReadHeader(br, wantMagic, fileName)
	if err != nil {
		return err
	}
	if hdr.Version != FileVersion {
		return fmt.Errorf("LoadWork: %s: unsupported version %d: %w", fileName, hdr.Version, ErrFormat)
	}

	if !clientMode {
		if s.p.DPSize < 0 {
			s.dpSize = hdr.DPSize
			s.dMask = (uint64(1) << s.dpSize) - 1
		}
		s.p.RangeStart = hdr.RangeStart
		s.p.RangeEnd = hdr.RangeEnd
		s.p.Key = hdr.Key
		s.initRange()

		log.Printf("[Solver] [Start] %x", hdr.RangeStart)
		log.Printf("[Solver] [Stop]  %x", hdr.RangeEnd)

		if err := s.table.LoadAll(br); err != nil {
			return fmt.Errorf("LoadWork: %s: %v", fileName, err)
		}
	}
	s.offsetCount = hdr.TotalCount
	s.offsetTime = hdr.TotalTime

	var b8 [8]byte
	if _, err := io.ReadFull(br, b8[:]); err != nil {
		return fmt.Errorf("LoadWork: %s: missing kangaroo count: %v", fileName, err)
	}
	nbWalk := binary.LittleEndian.Uint64(b8[:])
	s.loadedWalks = make([]WalkState, 0, nbWalk)
	for i := uint64(0); i < nbWalk; i++ {
		var st WalkState
		if st.PX, err = read32(br); err != nil {
			return fmt.Errorf("LoadWork: %s: truncated kangaroo %d: %v", fileName, i, err)
		}
		if st.PY, err = read32(br); err != nil {
			return fmt.Errorf("LoadWork: %s: truncated kangaroo %d: %v", fileName, i, err)
		}
		if st.D, err = read32(br); err != nil {
			return fmt.Errorf("LoadWork: %s: truncated kangaroo %d: %v", fileName, i, err)
		}
		s.loadedWalks = append(s.loadedWalks, st)
	}

	log.Printf("[Solver] LoadWork: [2^%.2f DPs] [2^%.2f kangaroos] [%s]",
		log2u64(s.table.NbItem()), log2u64(nbWalk), time.Since(t0).Round(time.Millisecond))
	return nil
}

// WorkInfo prints a work file's header and table statistics without
// loading the table into memory.
func WorkInfo(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("WorkInfo: cannot open %s: %v", fileName, err)
	}
	defer f.Close()
	br := bufio.NewReaderSize(f, 1<<20)

	hdr, err := ReadHeader(br, MagicWork, fileName)
	if err != nil {
		return err
	}

	nbItem, err := dptable.CountItems(br)
	if err != nil {
		return fmt.Errorf("WorkInfo: %s: %v", fileName, err)
	}

	var b8 [8]byte
	nbWalk := uint64(0)
	if _, err := io.ReadFull(br, b8[:]); err == nil {
		nbWalk = binary.LittleEndian.Uint64(b8[:])
	}

	fmt.Printf("Version   : %d\n", hdr.Version)
	fmt.Printf("DP bits   : %d\n", hdr.DPSize)
	fmt.Printf("Start     : %x\n", hdr.RangeStart)
	fmt.Printf("Stop      : %x\n", hdr.RangeEnd)
	fmt.Printf("Key       : %s\n", hdr.Key.CompressedHex())
	fmt.Printf("Count     : %d 2^%.3f\n", hdr.TotalCount, log2u64(hdr.TotalCount))
	fmt.Printf("Time      : %s\n", (time.Duration(hdr.TotalTime * float64(time.Second))).Round(time.Second))
	fmt.Printf("DP Count  : %d 2^%.3f\n", nbItem, log2u64(nbItem))
	fmt.Printf("Kangaroos : %d 2^%.3f\n", nbWalk, log2u64(nbWalk))
	return nil
}
