package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// TapStats counts what one capture tap ingested.
type TapStats struct {
	Frames    uint64 `json:"frames"`
	Malformed uint64 `json:"malformed"`
	Invalid   uint64 `json:"invalid"`
}

// Tap feeds one capture stream through frame reassembly and integrity
// validation into the pairer. Byte runs the codec rejects and frames
// that fail validation are published on the event bus and counted;
// suspect frames still reach the pairer, marked by their event.
type Tap struct {
	name   string
	dir    Direction
	dec    *protocol.Decoder
	pairer *Pairer
	bus    *events.Bus

	mu    sync.Mutex
	stats TapStats
}

// NewTap creates a tap over its own decoder. The event bus is optional.
func NewTap(name string, dir Direction, pairer *Pairer, bus *events.Bus) *Tap {
	return &Tap{
		name:   name,
		dir:    dir,
		dec:    protocol.NewDecoder(),
		pairer: pairer,
		bus:    bus,
	}
}

// Ingest decodes one chunk of tap bytes observed at now. Call it from a
// single goroutine per tap; the decoder keeps partial-frame state.
func (t *Tap) Ingest(p []byte, now time.Time) {
	for _, res := range t.dec.Feed(p) {
		if res.Err != nil {
			t.mu.Lock()
			t.stats.Malformed++
			t.mu.Unlock()
			logging.Warn("Malformed tap bytes",
				zap.String("tap", t.name),
				zap.Error(res.Err),
			)
			if t.bus != nil {
				t.bus.Publish(events.FrameMalformed{
					Port:   t.name,
					Reason: res.Err.Error(),
					Raw:    res.Raw,
				})
			}
			continue
		}

		f := res.Frame
		if v := protocol.Validate(f); v.Verdict == protocol.Invalid {
			t.mu.Lock()
			t.stats.Invalid++
			t.mu.Unlock()
			logging.Warn("Tap frame failed integrity check",
				zap.String("tap", t.name),
				zap.String("frame", f.String()),
				zap.String("reason", v.Reason),
			)
			if t.bus != nil {
				t.bus.Publish(events.FrameInvalid{
					Port:   t.name,
					Reason: v.Reason,
					Raw:    f.Raw,
				})
			}
		}

		t.mu.Lock()
		t.stats.Frames++
		t.mu.Unlock()
		t.pairer.Observe(f, t.dir, now)
	}
}

// Name returns the tap label.
func (t *Tap) Name() string { return t.name }

// Stats returns a copy of the tap's running counters.
func (t *Tap) Stats() TapStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
