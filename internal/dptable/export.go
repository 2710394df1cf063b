package dptable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ExportText streams a full table body from r and appends every record to
// the tame or wild writer as text. The shard prefix keeps the historical
// five-hex-digit truncation (h & 0x3ffff) that downstream tooling parses;
// wild distances carry an explicit sign. Returns the tame/wild census.
func ExportText(r io.Reader, tame, wild io.Writer) (numTame, numWild uint64, err error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	tw := bufio.NewWriterSize(tame, 1<<16)
	ww := bufio.NewWriterSize(wild, 1<<16)

	var buf [32]byte
	for h := uint32(0); h < HashSize; h++ {
		if _, err := io.ReadFull(br, buf[:8]); err != nil {
			return numTame, numWild, fmt.Errorf("reading shard %d header: %v", h, err)
		}
		nbItem := binary.LittleEndian.Uint32(buf[0:4])
		for i := uint32(0); i < nbItem; i++ {
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return numTame, numWild, fmt.Errorf("reading shard %d record %d: %v", h, i, err)
			}
			xLo := binary.LittleEndian.Uint64(buf[0:8])
			xHi := binary.LittleEndian.Uint64(buf[8:16])
			d := D128{binary.LittleEndian.Uint64(buf[16:24]), binary.LittleEndian.Uint64(buf[24:32])}

			if !d.Wild() {
				fmt.Fprintf(tw, "%05x%016x%016x ", h&0x3ffff, xHi, xLo)
				fmt.Fprintf(tw, "%016x%016x\n", d[1]&magMask, d[0])
				numTame++
			} else {
				fmt.Fprintf(ww, "%05x%016x%016x ", h&0x3ffff, xHi, xLo)
				if d.Negative() {
					fmt.Fprint(ww, "-")
				}
				fmt.Fprintf(ww, "%016x%016x\n", d[1]&magMask, d[0])
				numWild++
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return numTame, numWild, err
	}
	return numTame, numWild, ww.Flush()
}
