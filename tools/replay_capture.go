//go:build ignore

package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shmrymbd/haier-decoder-sub000/internal/monitor"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// Replays a logic-analyzer capture through the frame codec, validator
// and pairer, and reports what the protocol core makes of it.
//
// Capture format: one hex byte run per line, prefixed with the tap
// direction, e.g.
//
//	tx ffff0c40000000000bf30000...
//	rx ffff0a4000000000004d...
//
// Blank lines and lines starting with '#' are skipped.
//
// Usage: go run replay_capture.go capture.txt

// Statistics tracks replay results per tap.
type Statistics struct {
	Lines     int
	Frames    int
	Malformed int
	Invalid   int
	Commands  map[byte]int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: replay_capture <capture-file>")
		fmt.Println("Example: replay_capture captures/power-on.txt")
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Printf("Error opening capture: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	// First pass: the capture is the known-good corpus. Establishing the
	// algorithm selection here gives Validate its learned-lookup fallback
	// for trailers no candidate reproduces.
	if frames, err := protocol.LoadCorpus(f); err != nil {
		fmt.Printf("Calibration skipped: %v\n", err)
	} else if sel, err := protocol.SelectAlgorithm(frames); err != nil {
		fmt.Printf("Calibration skipped: %v\n", err)
	} else {
		fmt.Printf("Integrity algorithm: %s (reproduced %d/%d capture frames)\n",
			sel.Params.Name, sel.Matches, sel.Total)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		fmt.Printf("Error rewinding capture: %v\n", err)
		os.Exit(1)
	}

	rules, err := monitor.NewRuleSet(monitor.DefaultRules())
	if err != nil {
		fmt.Printf("Error building rule table: %v\n", err)
		os.Exit(1)
	}
	pairer := monitor.NewPairer(rules, nil)

	decoders := map[string]*protocol.Decoder{
		"tx": protocol.NewDecoder(),
		"rx": protocol.NewDecoder(),
	}
	stats := map[string]*Statistics{
		"tx": {Commands: make(map[byte]int)},
		"rx": {Commands: make(map[byte]int)},
	}

	// Capture lines have no wall-clock timestamps; synthesize a strictly
	// increasing timeline so pairing windows behave.
	now := time.Now()
	lineNum := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			fmt.Printf("line %d: want 'tx|rx <hex>', got %q\n", lineNum, line)
			continue
		}
		tap := strings.ToLower(fields[0])
		dec, ok := decoders[tap]
		if !ok {
			fmt.Printf("line %d: unknown tap %q\n", lineNum, tap)
			continue
		}

		data, err := hex.DecodeString(fields[1])
		if err != nil {
			fmt.Printf("line %d: bad hex: %v\n", lineNum, err)
			continue
		}

		st := stats[tap]
		st.Lines++
		ts := now.Add(time.Duration(lineNum) * time.Millisecond)

		for _, res := range dec.Feed(data) {
			if res.Err != nil {
				st.Malformed++
				fmt.Printf("line %d [%s]: malformed: %v (% x)\n", lineNum, tap, res.Err, res.Raw)
				continue
			}
			st.Frames++
			st.Commands[res.Frame.Command]++

			if v := protocol.Validate(res.Frame); v.Verdict == protocol.Invalid {
				st.Invalid++
				fmt.Printf("line %d [%s]: %s suspect: %s\n", lineNum, tap,
					protocol.CommandName(res.Frame.Command), v.Reason)
			}

			dir := monitor.DirRequest
			if tap == "rx" {
				dir = monitor.DirResponse
			}
			pairer.Observe(res.Frame, dir, ts)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading capture: %v\n", err)
		os.Exit(1)
	}

	pairer.Sweep(now.Add(time.Duration(lineNum+60000) * time.Millisecond))

	fmt.Println()
	fmt.Println("=== Replay Summary ===")
	for _, tap := range []string{"tx", "rx"} {
		st := stats[tap]
		fmt.Printf("\n[%s] %d lines, %d frames, %d malformed, %d integrity-suspect, %d noise bytes\n",
			tap, st.Lines, st.Frames, st.Malformed, st.Invalid, decoders[tap].Discarded)
		for cmd, count := range st.Commands {
			fmt.Printf("    %-16s x%d\n", protocol.CommandName(cmd), count)
		}
	}

	ps := pairer.Snapshot()
	fmt.Printf("\nPairing: %d paired, %d expired, %d duplicates, %d ignored\n",
		ps.Paired, ps.Expired, ps.Duplicates, ps.Ignored)
	for _, rec := range pairer.Records() {
		fmt.Printf("  %-18s %s -> %s in %dms\n", rec.Category,
			protocol.CommandName(rec.RequestCommand),
			protocol.CommandName(rec.ResponseCommand),
			rec.ElapsedMillis())
	}
}
