package monitor

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// Record is one confirmed request/response pair, immutable once
// created. Records accumulate in an append-only log; the core exposes
// them as structured data and leaves file formats and destinations to
// reporting collaborators.
type Record struct {
	ID              string        `json:"id" cbor:"1,keyasint"`
	Category        string        `json:"category" cbor:"2,keyasint"`
	RequestCommand  byte          `json:"request_command" cbor:"3,keyasint"`
	ResponseCommand byte          `json:"response_command" cbor:"4,keyasint"`
	RequestHex      string        `json:"request_hex" cbor:"5,keyasint"`
	ResponseHex     string        `json:"response_hex" cbor:"6,keyasint"`
	RequestAt       time.Time     `json:"request_at" cbor:"7,keyasint"`
	ResponseAt      time.Time     `json:"response_at" cbor:"8,keyasint"`
	Elapsed         time.Duration `json:"elapsed_ns" cbor:"9,keyasint"`
}

// ElapsedMillis returns the request-to-response latency in whole
// milliseconds, the unit used in capture timelines.
func (r Record) ElapsedMillis() int64 { return r.Elapsed.Milliseconds() }

func newRecord(c *candidate, resp *protocol.Frame, ts time.Time) Record {
	return Record{
		ID:              uuid.NewString(),
		Category:        c.rule.Category,
		RequestCommand:  c.frame.Command,
		ResponseCommand: resp.Command,
		RequestHex:      hex.EncodeToString(c.frame.Raw),
		ResponseHex:     hex.EncodeToString(resp.Raw),
		RequestAt:       c.seenAt,
		ResponseAt:      ts,
		Elapsed:         ts.Sub(c.seenAt),
	}
}

// Records returns a copy of the append-only pair log.
func (p *Pairer) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.log))
	copy(out, p.log)
	return out
}

// Export bundles the pair log with the pairer statistics for
// consumption by reporting and logging collaborators.
type Export struct {
	GeneratedAt time.Time `json:"generated_at" cbor:"1,keyasint"`
	Stats       Stats     `json:"stats" cbor:"2,keyasint"`
	Records     []Record  `json:"records" cbor:"3,keyasint"`
}

// Export snapshots the current log and statistics.
func (p *Pairer) Export() Export {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]Record, len(p.log))
	copy(records, p.log)
	return Export{
		GeneratedAt: time.Now(),
		Stats:       p.stats,
		Records:     records,
	}
}

// WriteJSON writes the export snapshot as indented JSON.
func (p *Pairer) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p.Export())
}

// WriteCBOR writes the export snapshot in compact CBOR, the format the
// analysis tooling ingests.
func (p *Pairer) WriteCBOR(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(p.Export())
}
