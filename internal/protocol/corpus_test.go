package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

func corpusFrame(t *testing.T, seq uint32, command byte, payload []byte) []byte {
	t.Helper()
	f := &Frame{
		Flags:   FlagHasCRC,
		Token:   TokenFromSequence(seq),
		Command: command,
		Payload: payload,
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

func TestLoadCorpus(t *testing.T) {
	first := corpusFrame(t, 31, CmdStatusQuery, []byte{0x00, 0x00})
	second := corpusFrame(t, 32, CmdStatusAck, nil)

	var capture strings.Builder
	capture.WriteString("# power-on capture\n")
	capture.WriteString("\n")
	fmt.Fprintf(&capture, "tx %s\n", hex.EncodeToString(first))
	fmt.Fprintf(&capture, "rx 1724980000 %s\n", hex.EncodeToString(second))
	// A run that never frames contributes nothing.
	capture.WriteString("tx ffff05\n")

	frames, err := LoadCorpus(strings.NewReader(capture.String()))
	if err != nil {
		t.Fatalf("LoadCorpus() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("loaded %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], first) || !bytes.Equal(frames[1], second) {
		t.Error("loaded frames do not match the capture")
	}
}

func TestLoadCorpusRejectsBadHex(t *testing.T) {
	_, err := LoadCorpus(strings.NewReader("tx nothex\n"))
	if err == nil {
		t.Fatal("bad hex should fail the load")
	}
}

func TestSelectAlgorithmFromLoadedCorpus(t *testing.T) {
	resetSelection()
	defer resetSelection()

	var capture strings.Builder
	for seq := uint32(41); seq <= 44; seq++ {
		raw := corpusFrame(t, seq, CmdStatusQuery, []byte{byte(seq), 0x00})
		fmt.Fprintf(&capture, "tx %s\n", hex.EncodeToString(raw))
	}

	frames, err := LoadCorpus(strings.NewReader(capture.String()))
	if err != nil {
		t.Fatalf("LoadCorpus() error = %v", err)
	}
	sel, err := SelectAlgorithm(frames)
	if err != nil {
		t.Fatalf("SelectAlgorithm() error = %v", err)
	}
	if !sel.Exhaustive() {
		t.Errorf("selection not exhaustive: %d/%d", sel.Matches, sel.Total)
	}
	if CurrentSelection() == nil {
		t.Error("calibration did not establish the process-wide selection")
	}
}
