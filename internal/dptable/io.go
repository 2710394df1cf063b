package dptable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Shard block layout, little-endian packed:
//
//	u32 nbItem
//	u32 maxItem      (capacity hint, ignored on read)
//	nbItem * { [16]u8 x_128, [16]u8 d_128 }
//
// A full table body is HashSize consecutive blocks.

// Save writes shard blocks [start, end) to w.
func (t *Table) Save(w io.Writer, start, end uint32) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	var buf [32]byte
	for h := start; h < end; h++ {
		items := t.shards[h]
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(items)))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(cap(items)))
		if _, err := bw.Write(buf[:8]); err != nil {
			return fmt.Errorf("writing shard %d header: %v", h, err)
		}
		for _, e := range items {
			binary.LittleEndian.PutUint64(buf[0:8], e.X[0])
			binary.LittleEndian.PutUint64(buf[8:16], e.X[1])
			binary.LittleEndian.PutUint64(buf[16:24], e.D[0])
			binary.LittleEndian.PutUint64(buf[24:32], e.D[1])
			if _, err := bw.Write(buf[:]); err != nil {
				return fmt.Errorf("writing shard %d: %v", h, err)
			}
		}
	}
	return bw.Flush()
}

// SaveAll writes the complete table body.
func (t *Table) SaveAll(w io.Writer) error {
	return t.Save(w, 0, HashSize)
}

// Load reads shard blocks [start, end) from r, which must be positioned
// at block start. Earlier blocks are skipped with SkipShards; reading in
// bounded windows caps peak RAM during merges. The maxItem hint is read
// and discarded, capacity is recomputed from nbItem.
func (t *Table) Load(r io.Reader, start, end uint32) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	var buf [32]byte
	for h := start; h < end; h++ {
		if _, err := io.ReadFull(br, buf[:8]); err != nil {
			return fmt.Errorf("reading shard %d header: %v", h, err)
		}
		nbItem := binary.LittleEndian.Uint32(buf[0:4])
		items := make([]Entry, nbItem)
		for i := uint32(0); i < nbItem; i++ {
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return fmt.Errorf("reading shard %d record %d: %v", h, i, err)
			}
			items[i] = Entry{
				X: X128{binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16])},
				D: D128{binary.LittleEndian.Uint64(buf[16:24]), binary.LittleEndian.Uint64(buf[24:32])},
			}
		}
		t.shards[h] = items
		t.nbItem.Add(uint64(nbItem))
	}
	return nil
}

// LoadAll reads the complete table body.
func (t *Table) LoadAll(r io.Reader) error {
	return t.Load(r, 0, HashSize)
}

// SkipShards advances br past count shard blocks without materializing
// them, following each block's length header.
func SkipShards(br *bufio.Reader, count uint32) error {
	var hdr [8]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return fmt.Errorf("skipping shard block %d: %v", i, err)
		}
		nbItem := binary.LittleEndian.Uint32(hdr[0:4])
		if _, err := br.Discard(int(nbItem) * 32); err != nil {
			return fmt.Errorf("skipping shard block %d body: %v", i, err)
		}
	}
	return nil
}

// CountItems streams through a full table body from the current position
// and returns the total record count without loading it.
func CountItems(r io.Reader) (uint64, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	var total uint64
	var hdr [8]byte
	for h := uint32(0); h < HashSize; h++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return 0, fmt.Errorf("reading shard %d header: %v", h, err)
		}
		nbItem := binary.LittleEndian.Uint32(hdr[0:4])
		total += uint64(nbItem)
		if _, err := br.Discard(int(nbItem) * 32); err != nil {
			return 0, fmt.Errorf("skipping shard %d body: %v", h, err)
		}
	}
	return total, nil
}
