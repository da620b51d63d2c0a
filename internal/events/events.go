package events

import (
	"fmt"
	"sync"
	"time"
)

// Event is a typed notification emitted by the protocol core. External
// observers subscribe to a Bus instead of the core printing directly.
type Event interface {
	Kind() string
}

// FrameReceived is emitted for every frame that survives framing.
type FrameReceived struct {
	Port      string
	Direction string // "tx" or "rx"
	Command   byte
	Raw       []byte
	Time      time.Time
}

func (FrameReceived) Kind() string { return "frame_received" }

// FrameInvalid is emitted for frames that fail integrity validation.
// The frame is still surfaced to its consumer; this event only records
// that it is suspect.
type FrameInvalid struct {
	Port   string
	Reason string
	Raw    []byte
}

func (FrameInvalid) Kind() string { return "frame_invalid" }

// FrameMalformed is emitted for byte runs the codec rejected before
// frame extraction (bad sync, undersized header).
type FrameMalformed struct {
	Port   string
	Reason string
	Raw    []byte
}

func (FrameMalformed) Kind() string { return "frame_malformed" }

// PairFormed is emitted when the stream pairer matches a request on the
// TX tap with a response on the RX tap.
type PairFormed struct {
	Category string
	Request  []byte
	Response []byte
	Elapsed  time.Duration
}

func (PairFormed) Kind() string { return "pair_formed" }

// PairExpired is emitted when a candidate pair passes its deadline
// without a structurally valid response.
type PairExpired struct {
	Category string
	Request  []byte
}

func (PairExpired) Kind() string { return "pair_expired" }

// StateChanged is emitted on every session state machine transition.
type StateChanged struct {
	From string
	To   string
}

func (StateChanged) Kind() string { return "state_changed" }

// AuthResult is emitted after an authentication exchange completes.
type AuthResult struct {
	Authenticated bool
	Err           error
}

func (AuthResult) Kind() string { return "auth_result" }

// TransportError is emitted when the underlying byte channel fails.
type TransportError struct {
	Port string
	Err  error
}

func (TransportError) Kind() string { return "transport_error" }

// Bus is a small publish/subscribe fan-out. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling the
// delivery path.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function removes the subscription and closes the
// channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber backed up; drop rather than block delivery.
		}
	}
}

// Describe returns a one-line human-readable summary of an event.
func Describe(e Event) string {
	switch ev := e.(type) {
	case FrameReceived:
		return fmt.Sprintf("frame command=0x%02x len=%d dir=%s", ev.Command, len(ev.Raw), ev.Direction)
	case FrameInvalid:
		return fmt.Sprintf("invalid frame: %s", ev.Reason)
	case FrameMalformed:
		return fmt.Sprintf("malformed bytes: %s", ev.Reason)
	case PairFormed:
		return fmt.Sprintf("pair %s in %s", ev.Category, ev.Elapsed)
	case PairExpired:
		return fmt.Sprintf("pair %s expired", ev.Category)
	case StateChanged:
		return fmt.Sprintf("state %s -> %s", ev.From, ev.To)
	case AuthResult:
		if ev.Authenticated {
			return "authentication succeeded"
		}
		return fmt.Sprintf("authentication failed: %v", ev.Err)
	case TransportError:
		return fmt.Sprintf("transport error on %s: %v", ev.Port, ev.Err)
	default:
		return e.Kind()
	}
}
