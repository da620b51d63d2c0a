package protocol

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// LoadCorpus reads a calibration corpus of captured byte runs: one hex
// run per line, where the run is the last whitespace-separated field
// (leading fields such as tap labels or timestamps are ignored). Blank
// lines and '#' comments are skipped. Runs are reassembled into frames
// and returned as raw frame bytes suitable for SelectAlgorithm;
// malformed runs are dropped, since a corpus line that does not frame
// cannot vouch for any trailer.
func LoadCorpus(r io.Reader) ([][]byte, error) {
	var frames [][]byte
	dec := NewDecoder()

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		data, err := hex.DecodeString(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("corpus line %d: bad hex: %w", lineNum, err)
		}

		for _, res := range dec.Feed(data) {
			if res.Err == nil {
				frames = append(frames, res.Frame.Raw)
			}
		}
		dec.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	return frames, nil
}
