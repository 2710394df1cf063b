package kangaroo

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// WorkExport dumps a work file's records as text, appending tame and
// wild entries to tame.txt and wild.txt in the working directory.
func WorkExport(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("WorkExport: cannot open %s: %v", fileName, err)
	}
	defer f.Close()
	br := bufio.NewReaderSize(f, 1<<20)

	hdr, err := ReadHeader(br, MagicWork, fileName)
	if err != nil {
		return err
	}

	ft, err := os.OpenFile("tame.txt", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("WorkExport: cannot open tame.txt for writing: %v", err)
	}
	defer ft.Close()
	fw, err := os.OpenFile("wild.txt", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("WorkExport: cannot open wild.txt for writing: %v", err)
	}
	defer fw.Close()

	numTame, numWild, err := dptable.ExportText(br, ft, fw)
	if err != nil {
		return fmt.Errorf("WorkExport: %s: %v", fileName, err)
	}

	log.Printf("[Export] DP bits : %d", hdr.DPSize)
	log.Printf("[Export] Key     : %s", hdr.Key.CompressedHex())
	log.Printf("[Export] DP Count: %d 2^%.3f", numTame+numWild, log2u64(numTame+numWild))
	log.Printf("[Export] DP Tame : %d 2^%.3f", numTame, log2u64(numTame))
	log.Printf("[Export] DP Wild : %d 2^%.3f", numWild, log2u64(numWild))
	return nil
}
