package monitor

import (
	"bytes"
	"sync"
	"time"

	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// Direction identifies which capture tap a frame was observed on.
type Direction int

const (
	// DirRequest is the TX tap: frames from the controller to the device.
	DirRequest Direction = iota
	// DirResponse is the RX tap: frames from the device to the controller.
	DirResponse
)

func (d Direction) String() string {
	if d == DirRequest {
		return "tx"
	}
	return "rx"
}

// fillPatterns are the degenerate byte values the entropy screen counts.
var fillPatterns = [...]byte{0x00, 0xFF, 0x55, 0xAA}

// Stats are the pairer's running counters.
type Stats struct {
	Observed   uint64 `json:"observed"`
	Ignored    uint64 `json:"ignored"`
	Duplicates uint64 `json:"duplicates"`
	Paired     uint64 `json:"paired"`
	Expired    uint64 `json:"expired"`
}

// candidate is a provisional request awaiting its response.
type candidate struct {
	frame    *protocol.Frame
	rule     Rule
	seenAt   time.Time
	deadline time.Time
	order    uint64
}

// Pairer matches requests observed on one capture tap to responses
// observed on another. It is a read-only analysis tap: it never mutates
// or sends frames, and it tolerates arbitrary interleaving and
// duplication across the two taps.
//
// Observe and Sweep may run on different goroutines; the candidate
// table is mutex-guarded.
type Pairer struct {
	mu    sync.Mutex
	rules RuleSet
	open  []*candidate
	log   []Record
	stats Stats
	order uint64

	bus *events.Bus
}

// NewPairer creates a pairer over the given rule table. The event bus
// is optional.
func NewPairer(rules RuleSet, bus *events.Bus) *Pairer {
	return &Pairer{rules: rules, bus: bus}
}

// Observe records one frame seen on a tap at the given timestamp.
func (p *Pairer) Observe(f *protocol.Frame, dir Direction, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Observed++

	if dir == DirRequest {
		p.observeRequest(f, ts)
		return
	}
	p.observeResponse(f, ts)
}

func (p *Pairer) observeRequest(f *protocol.Frame, ts time.Time) {
	rule, ok := p.rules[f.Command]
	if !ok {
		// No pairing rule for this command; not a pairing request.
		p.stats.Ignored++
		return
	}

	// The same physical frame can show up twice on a noisy tap. One
	// request must never yield two paired sequences.
	for _, c := range p.open {
		if bytes.Equal(c.frame.Raw, f.Raw) {
			p.stats.Duplicates++
			return
		}
	}

	p.order++
	p.open = append(p.open, &candidate{
		frame:    f,
		rule:     rule,
		seenAt:   ts,
		deadline: ts.Add(rule.Window),
		order:    p.order,
	})
}

func (p *Pairer) observeResponse(f *protocol.Frame, ts time.Time) {
	// Earliest-registered still-open candidate matching all criteria
	// wins. The open list is kept in registration order.
	for i, c := range p.open {
		if c.rule.Response != f.Command {
			continue
		}
		if ts.After(c.deadline) {
			continue
		}
		if !structurallyPlausible(c.rule.Check, c.frame, f) {
			continue
		}

		p.open = append(p.open[:i], p.open[i+1:]...)
		rec := newRecord(c, f, ts)
		p.log = append(p.log, rec)
		p.stats.Paired++

		if p.bus != nil {
			p.bus.Publish(events.PairFormed{
				Category: c.rule.Category,
				Request:  c.frame.Raw,
				Response: f.Raw,
				Elapsed:  rec.Elapsed,
			})
		}
		return
	}
	p.stats.Ignored++
}

// Sweep removes candidates past their deadline, counting them as failed
// pairings. Run it periodically; pairing timeouts are a statistic, not
// an error surfaced to any caller.
func (p *Pairer) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.open[:0]
	expired := 0
	for _, c := range p.open {
		if now.After(c.deadline) {
			expired++
			p.stats.Expired++
			if p.bus != nil {
				p.bus.Publish(events.PairExpired{
					Category: c.rule.Category,
					Request:  c.frame.Raw,
				})
			}
			continue
		}
		kept = append(kept, c)
	}
	p.open = kept
	return expired
}

// OpenCandidates returns the number of requests still awaiting a
// response.
func (p *Pairer) OpenCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// Snapshot returns a copy of the running statistics.
func (p *Pairer) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// structurallyPlausible applies the rule's structural check.
func structurallyPlausible(check CheckKind, req, resp *protocol.Frame) bool {
	switch check {
	case CheckAuthHeader:
		return authPlausible(req, resp)
	default:
		return true
	}
}

// authPlausible validates an authentication exchange: the header
// sub-fields must match, and neither the challenge nor the response may
// be a degenerate value a real rolling-code exchange would never carry.
func authPlausible(req, resp *protocol.Frame) bool {
	if len(req.Payload) < protocol.AuthHeaderSize || len(resp.Payload) < protocol.AuthHeaderSize {
		return false
	}
	if !bytes.Equal(req.Payload[:protocol.AuthHeaderSize], resp.Payload[:protocol.AuthHeaderSize]) {
		return false
	}

	challenge := req.Payload[protocol.AuthHeaderSize:]
	response := resp.Payload[protocol.AuthHeaderSize:]

	if degenerate(challenge) {
		return false
	}
	if bytes.Equal(challenge, response) {
		return false
	}
	if lowEntropy(challenge) || lowEntropy(response) {
		return false
	}
	return true
}

// degenerate reports all-zero or all-identical byte strings.
func degenerate(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	first := b[0]
	for _, v := range b[1:] {
		if v != first {
			return false
		}
	}
	return true
}

// lowEntropy is the coarse screen: a value is suspect when more than
// half its bytes equal one of the degenerate fill patterns.
func lowEntropy(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	filled := 0
	for _, v := range b {
		for _, pat := range fillPatterns {
			if v == pat {
				filled++
				break
			}
		}
	}
	return filled*2 > len(b)
}
