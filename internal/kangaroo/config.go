package kangaroo

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
)

// ParseConfigFile reads the line-oriented search description:
//
//	line 1: <rangeStart> <rangeEnd>   (hex)
//	line 2: <pubKeyHex>               (compressed or uncompressed)
func ParseConfigFile(fileName string) (*big.Int, *big.Int, curve.Point, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: cannot open %s: %v", fileName, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: reading %s: %v", fileName, err)
	}
	if len(lines) < 2 {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: %s: expected range line and key line", fileName)
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 2 {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: %s: range line must be \"<start> <end>\"", fileName)
	}
	start, ok := new(big.Int).SetString(strings.TrimPrefix(fields[0], "0x"), 16)
	if !ok {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: %s: invalid range start %q", fileName, fields[0])
	}
	end, ok := new(big.Int).SetString(strings.TrimPrefix(fields[1], "0x"), 16)
	if !ok {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: %s: invalid range end %q", fileName, fields[1])
	}

	key, err := curve.ParsePubKey(strings.TrimPrefix(lines[1], "0x"))
	if err != nil {
		return nil, nil, curve.Point{}, fmt.Errorf("ParseConfigFile: %s: %v", fileName, err)
	}
	return start, end, key, nil
}
