package protocol

import (
	"bytes"
	"fmt"
)

// Result is one outcome of feeding bytes to the Decoder: either a
// complete frame or a run of bytes that was rejected during framing.
// Malformed candidates are tagged, not silently dropped.
type Result struct {
	Frame *Frame
	Err   error
	Raw   []byte
}

// Decoder recovers frame boundaries from an unreliable byte stream. It
// accumulates input across calls, discards noise before the sync
// marker, and suspends only when a frame is incomplete.
//
// A Decoder is not safe for concurrent use; feed it from the single
// delivery context of one connection. Independent connections (for
// example the TX and RX taps of a dual-dongle monitor) use independent
// Decoder instances.
type Decoder struct {
	buf []byte

	// Discarded counts noise bytes dropped while searching for sync.
	Discarded int
}

var syncMarker = []byte{SyncByte, SyncByte}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly arrived bytes and returns zero or more results,
// each removed from the internal buffer. Feeding empty input never
// produces spurious frames; partial frames survive across calls.
func (d *Decoder) Feed(p []byte) []Result {
	if len(p) > 0 {
		d.buf = append(d.buf, p...)
	}

	var out []Result
	for {
		// Scan for the sync marker, discarding noise in front of it.
		idx := bytes.Index(d.buf, syncMarker)
		if idx < 0 {
			// Keep a possible lone trailing 0xFF; everything before it
			// cannot start a frame.
			keep := 0
			if len(d.buf) > 0 && d.buf[len(d.buf)-1] == SyncByte {
				keep = 1
			}
			d.Discarded += len(d.buf) - keep
			d.buf = d.buf[len(d.buf)-keep:]
			return out
		}
		if idx > 0 {
			d.Discarded += idx
			d.buf = d.buf[idx:]
		}

		// Need the length byte before anything else can happen.
		if len(d.buf) < HeaderOverhead {
			return out
		}

		length := d.buf[2]
		if length < MinLength {
			// Undersized header: tag the sync marker as malformed and
			// resync past it.
			raw := append([]byte(nil), d.buf[:HeaderOverhead]...)
			out = append(out, Result{
				Err: fmt.Errorf("declared length %d below minimum %d", length, MinLength),
				Raw: raw,
			})
			d.buf = d.buf[len(syncMarker):]
			continue
		}

		total := int(length) + HeaderOverhead
		if len(d.buf) < total {
			// Suspension point: wait for more input.
			return out
		}

		raw := append([]byte(nil), d.buf[:total]...)
		d.buf = d.buf[total:]

		frame, err := ParseFrame(raw)
		if err != nil {
			out = append(out, Result{Err: err, Raw: raw})
			continue
		}
		out = append(out, Result{Frame: frame, Raw: raw})
	}
}

// Pending returns the number of buffered bytes awaiting more input.
func (d *Decoder) Pending() int { return len(d.buf) }

// Reset drops all buffered bytes, e.g. after reopening a port.
func (d *Decoder) Reset() {
	d.buf = nil
}
